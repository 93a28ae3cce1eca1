package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chronicle/pkg/artifacts"
	"github.com/Mindburn-Labs/chronicle/pkg/casestate"
	"github.com/Mindburn-Labs/chronicle/pkg/config"
)

var envKeys = []string{
	"CHRONICLE_ROOT", "CHRONICLE_FILE", "INTAKE_DIR", "CHRONICLE_SOURCES",
	"PORT", "LOG_LEVEL", "LOG_FORMAT",
	"STATE_BACKEND", "REDIS_ADDR", "REDIS_DB", "SQLITE_PATH", "DATABASE_URL",
	"ARTIFACT_STORAGE_TYPE", "ARTIFACT_S3_BUCKET", "ARTIFACT_S3_REGION",
	"MAX_UPLOAD_BYTES", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	"API_JWT_SECRET", "OTEL_ENABLED", "OTEL_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that the service boots with everything under
// the default root and no external backends.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "data", cfg.Root)
	assert.Equal(t, filepath.Join("data", "chronicle", "unified_events.jsonl"), cfg.ChronicleFile)
	assert.Equal(t, filepath.Join("data", "intake"), cfg.IntakeDir)
	assert.Equal(t, "9630", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, casestate.BackendMemory, cfg.StateBackend)
	assert.Equal(t, string(artifacts.StoreTypeFS), cfg.ArtifactStorage)
	assert.Equal(t, int64(config.DefaultMaxUploadBytes), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:3001"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.JWTSecret)
	assert.False(t, cfg.OTelEnabled)
}

// TestLoad_RootMovesDerivedPaths verifies that explicit paths win over the
// root while unset ones follow it.
func TestLoad_RootMovesDerivedPaths(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHRONICLE_ROOT", "/srv/field")
	t.Setenv("INTAKE_DIR", "/mnt/uploads")

	cfg := config.Load()

	assert.Equal(t, "/srv/field/chronicle/unified_events.jsonl", cfg.ChronicleFile)
	assert.Equal(t, "/mnt/uploads", cfg.IntakeDir)
	assert.Equal(t, "/srv/field/state/cases.db", cfg.SQLitePath)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STATE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.StateBackend)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.ObservabilityConfig().Enabled)

	sc := cfg.StateConfig()
	assert.Equal(t, "redis:6379", sc.RedisAddr)
	assert.Equal(t, 3, sc.RedisDB)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_DB", "two")
	t.Setenv("MAX_UPLOAD_BYTES", "lots")

	cfg := config.Load()

	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, int64(config.DefaultMaxUploadBytes), cfg.MaxUploadBytes)
}

func TestArtifactConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "intake-docs")

	ac := config.Load().ArtifactConfig()

	assert.Equal(t, artifacts.StoreTypeS3, ac.Type)
	assert.Equal(t, "intake-docs", ac.S3.Bucket)
	assert.Equal(t, "us-east-1", ac.S3.Region)
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: field
target: chronicle/unified_events.jsonl
sources:
  - pulse/2025-11-10.jsonl
  - "  "
  - dojo/manifestation_events.jsonl
  - pulse/2025-11-10.jsonl
`), 0o600))

	m, err := config.LoadSources(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "field"), m.Root)
	assert.Equal(t, []string{
		"pulse/2025-11-10.jsonl",
		"dojo/manifestation_events.jsonl",
		"pulse/2025-11-10.jsonl",
	}, m.Sources)
	assert.Equal(t, filepath.Join(m.Root, "chronicle", "unified_events.jsonl"), m.TargetPath(m.Root, "fallback"))
}

func TestLoadSources_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.LoadSources(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sources: [unterminated"), 0o600))
	_, err = config.LoadSources(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("sources: []\n"), 0o600))
	_, err = config.LoadSources(empty)
	assert.ErrorContains(t, err, "no sources listed")
}

func TestTargetPath_Default(t *testing.T) {
	m := &config.SourceManifest{}
	assert.Equal(t, "data/x.jsonl", m.TargetPath("/root", "data/x.jsonl"))

	m.Target = "/abs/x.jsonl"
	assert.Equal(t, "/abs/x.jsonl", m.TargetPath("/root", "data/x.jsonl"))
}
