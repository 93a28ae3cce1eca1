// Package config loads service configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/chronicle/pkg/artifacts"
	"github.com/Mindburn-Labs/chronicle/pkg/casestate"
	"github.com/Mindburn-Labs/chronicle/pkg/observability"
)

const (
	DefaultRoot           = "data"
	DefaultChronicleFile  = "chronicle/unified_events.jsonl"
	DefaultIntakeDir      = "intake"
	DefaultPort           = "9630"
	DefaultMaxUploadBytes = 32 << 20
	DefaultSourcesFile    = "configs/sources.yaml"
)

// Config holds server configuration.
type Config struct {
	Root          string
	ChronicleFile string
	IntakeDir     string
	SourcesFile   string

	Port      string
	LogLevel  string
	LogFormat string

	StateBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SQLitePath    string
	DatabaseURL   string

	ArtifactStorage string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3Prefix        string
	GCSBucket       string
	GCSPrefix       string

	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	JWTSecret      string

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool
	Environment  string
}

// Load loads configuration from environment variables. Paths that are not
// set explicitly live under CHRONICLE_ROOT.
func Load() *Config {
	root := getenv("CHRONICLE_ROOT", DefaultRoot)

	return &Config{
		Root:          root,
		ChronicleFile: getenv("CHRONICLE_FILE", filepath.Join(root, DefaultChronicleFile)),
		IntakeDir:     getenv("INTAKE_DIR", filepath.Join(root, DefaultIntakeDir)),
		SourcesFile:   getenv("CHRONICLE_SOURCES", DefaultSourcesFile),

		Port:      getenv("PORT", DefaultPort),
		LogLevel:  getenv("LOG_LEVEL", "INFO"),
		LogFormat: getenv("LOG_FORMAT", "text"),

		StateBackend:  getenv("STATE_BACKEND", casestate.BackendMemory),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RedisPrefix:   getenv("REDIS_PREFIX", casestate.DefaultRedisPrefix),
		SQLitePath:    getenv("SQLITE_PATH", filepath.Join(root, "state", "cases.db")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),

		ArtifactStorage: getenv("ARTIFACT_STORAGE_TYPE", string(artifacts.StoreTypeFS)),
		S3Bucket:        os.Getenv("ARTIFACT_S3_BUCKET"),
		S3Region:        getenv("ARTIFACT_S3_REGION", "us-east-1"),
		S3Endpoint:      os.Getenv("ARTIFACT_S3_ENDPOINT"),
		S3Prefix:        os.Getenv("ARTIFACT_S3_PREFIX"),
		GCSBucket:       os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix:       os.Getenv("ARTIFACT_GCS_PREFIX"),

		MaxUploadBytes: int64(getenvInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)),
		RateLimitRPS:   getenvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getenvInt("RATE_LIMIT_BURST", 40),
		CORSOrigins:    getenvList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:3001"}),
		JWTSecret:      os.Getenv("API_JWT_SECRET"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_ENDPOINT", "localhost:4317"),
		OTelInsecure: os.Getenv("OTEL_INSECURE") == "true",
		Environment:  getenv("CHRONICLE_ENV", "development"),
	}
}

// StateConfig returns the case state backend settings.
func (c *Config) StateConfig() casestate.Config {
	return casestate.Config{
		Backend:       c.StateBackend,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisPrefix:   c.RedisPrefix,
		SQLitePath:    c.SQLitePath,
		DatabaseURL:   c.DatabaseURL,
	}
}

// ArtifactConfig returns the intake document store settings.
func (c *Config) ArtifactConfig() artifacts.StoreConfig {
	return artifacts.StoreConfig{
		Type:    artifacts.StoreType(c.ArtifactStorage),
		BaseDir: c.IntakeDir,
		S3: artifacts.S3StoreConfig{
			Bucket:   c.S3Bucket,
			Region:   c.S3Region,
			Endpoint: c.S3Endpoint,
			Prefix:   c.S3Prefix,
		},
		GCS: artifacts.GCSStoreConfig{
			Bucket: c.GCSBucket,
			Prefix: c.GCSPrefix,
		},
	}
}

// ObservabilityConfig returns the telemetry settings.
func (c *Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTelEndpoint
	oc.Insecure = c.OTelInsecure
	oc.Environment = c.Environment
	return oc
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring invalid number setting", "key", key, "value", v)
		return def
	}
	return f
}

func getenvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
