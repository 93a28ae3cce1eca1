package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/chronicle/pkg/api"
	"github.com/Mindburn-Labs/chronicle/pkg/artifacts"
	"github.com/Mindburn-Labs/chronicle/pkg/auth"
	"github.com/Mindburn-Labs/chronicle/pkg/casestate"
	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/config"
	"github.com/Mindburn-Labs/chronicle/pkg/logging"
	"github.com/Mindburn-Labs/chronicle/pkg/observability"
	"github.com/Mindburn-Labs/chronicle/pkg/server"
	"github.com/Mindburn-Labs/chronicle/pkg/tracker"
)

const idempotencyTTL = 24 * time.Hour

// runServeCmd implements `chronicle serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = startup or serve failure
//	2 = usage error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	cmd.StringVar(&cfg.Port, "port", cfg.Port, "Listen port")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.Error("chronicle server stopped", "error", err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New("main")

	telemetry, err := observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	store, err := chronicle.Open(cfg.ChronicleFile)
	if err != nil {
		return err
	}
	store.OnAppend(telemetry.AppendRecorded)

	states, err := casestate.Open(ctx, cfg.StateConfig())
	if err != nil {
		return err
	}
	defer func() { _ = states.Close() }()
	logger.Info("case state ready", "backend", cfg.StateBackend)

	docs, err := artifacts.NewStoreFromConfig(ctx, cfg.ArtifactConfig())
	if err != nil {
		return err
	}

	tr := tracker.New(store, states, docs, nil, tracker.WithObserver(telemetry))

	opts := []server.Option{
		server.WithTelemetry(telemetry),
		server.WithIdempotencyStore(idempotencyStore(states, cfg)),
	}
	if v := auth.NewJWTValidator(cfg.JWTSecret, ""); v != nil {
		opts = append(opts, server.WithValidator(v))
		logger.Info("bearer authentication enabled")
	}

	srv, err := server.New(tr, store, server.Config{
		Port:           cfg.Port,
		IntakeLocation: intakeLocation(cfg),
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
	}, opts...)
	if err != nil {
		return err
	}

	logger.Info("chronicle starting", "port", cfg.Port, "chronicle", store.Path(), "intake", intakeLocation(cfg))
	return srv.Run(ctx)
}

// idempotencyStore shares redis with the case state when that backend is in
// use so replays survive restarts and span replicas.
func idempotencyStore(states casestate.Store, cfg *config.Config) api.IdempotencyStorer {
	if rs, ok := states.(*casestate.RedisStore); ok {
		return api.NewRedisIdempotencyStore(rs.Client(), cfg.RedisPrefix, idempotencyTTL)
	}
	return api.NewIdempotencyStore(idempotencyTTL)
}

func intakeLocation(cfg *config.Config) string {
	switch cfg.ArtifactStorage {
	case string(artifacts.StoreTypeS3):
		return "s3://" + cfg.S3Bucket + "/" + cfg.S3Prefix
	case string(artifacts.StoreTypeGCS):
		return "gs://" + cfg.GCSBucket + "/" + cfg.GCSPrefix
	default:
		return cfg.IntakeDir
	}
}
