package casestate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and configures a state backend.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SQLitePath    string
	DatabaseURL   string
}

// Open builds the configured backend and checks that it is reachable.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil

	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("casestate: REDIS_ADDR is required for the redis backend")
		}
		s := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("casestate: redis ping: %w", err)
		}
		return s, nil

	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			return nil, fmt.Errorf("casestate: SQLITE_PATH is required for the sqlite backend")
		}
		if path != ":memory:" {
			//nolint:gosec // G301: state directory lives next to the chronicle
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("casestate: ensure sqlite dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("casestate: open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection also keeps :memory: shared.
		db.SetMaxOpenConns(1)
		return initSQL(ctx, db, DialectSQLite)

	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("casestate: DATABASE_URL is required for the postgres backend")
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("casestate: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("casestate: postgres ping: %w", err)
		}
		return initSQL(ctx, db, DialectPostgres)

	default:
		return nil, fmt.Errorf("casestate: unsupported backend %q", cfg.Backend)
	}
}

func initSQL(ctx context.Context, db *sql.DB, dialect Dialect) (Store, error) {
	s, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
