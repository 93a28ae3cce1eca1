package casestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and upsert syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists states in the case_state table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init to create the table.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("casestate: unsupported SQL dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS case_state (
		case_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		coherence DOUBLE PRECISION NOT NULL DEFAULT 0,
		filename TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("casestate: migrate: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, caseID string) (*State, error) {
	query := s.rebind("SELECT case_id, status, current_stage, coherence, filename, file_path, started_at, updated_at FROM case_state WHERE case_id = ?")
	row := s.db.QueryRowContext(ctx, query, caseID)

	var (
		st        State
		status    string
		stage     string
		startedAt string
		updatedAt string
	)
	err := row.Scan(&st.CaseID, &status, &stage, &st.Coherence, &st.Filename, &st.FilePath, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("casestate: get: %w", err)
	}
	st.Status = Status(status)
	st.CurrentStage = chronicle.Stage(stage)
	if st.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("casestate: parse started_at: %w", err)
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("casestate: parse updated_at: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) Put(ctx context.Context, st *State) error {
	if st == nil || st.CaseID == "" {
		return fmt.Errorf("casestate: case id is required")
	}
	query := s.rebind(`
		INSERT INTO case_state (case_id, status, current_stage, coherence, filename, file_path, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			coherence = EXCLUDED.coherence,
			filename = EXCLUDED.filename,
			file_path = EXCLUDED.file_path,
			updated_at = EXCLUDED.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		st.CaseID, string(st.Status), string(st.CurrentStage), st.Coherence, st.Filename, st.FilePath,
		st.StartedAt.UTC().Format(time.RFC3339Nano), st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("casestate: put: %w", err)
	}
	return nil
}

func (s *SQLStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	query := s.rebind(`SELECT case_id FROM case_state WHERE case_id LIKE ? ESCAPE '\' ORDER BY case_id`)
	rows, err := s.db.QueryContext(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("casestate: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("casestate: list scan: %w", err)
		}
		keys = append(keys, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casestate: list: %w", err)
	}
	return sortedKeys(keys), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
