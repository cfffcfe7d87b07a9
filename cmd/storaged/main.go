package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proposalhub/storage/internal/archive"
	"github.com/proposalhub/storage/internal/auth"
	"github.com/proposalhub/storage/internal/config"
	"github.com/proposalhub/storage/internal/httpapi"
	"github.com/proposalhub/storage/internal/metrics"
	"github.com/proposalhub/storage/internal/screening"
	"github.com/proposalhub/storage/internal/staging"
	"github.com/proposalhub/storage/internal/submission"
	"github.com/proposalhub/storage/internal/submission/postgres"
	"github.com/proposalhub/storage/internal/tool"
)

const (
	shutdownTimeout = 15 * time.Second
	// drainTimeout bounds how long shutdown waits for queued submissions.
	drainTimeout = 10 * time.Minute
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("LOG_FORMAT") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("storaged exited")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	recorder := metrics.New()

	keys := auth.NewKeyCache(cfg.PublicKeyFile, auth.NewHTTPAuthority(cfg.KeyAuthorityURL),
		auth.WithRefreshHook(recorder.KeyRefresh))
	gate := auth.NewGate(auth.NewValidator(keys), cfg.RequiredRole)

	stager, err := staging.New(cfg.SubmitDir)
	if err != nil {
		return err
	}

	tmpl, err := loadToolTemplate(cfg)
	if err != nil {
		return err
	}
	runner := tool.NewRunner(tmpl, tool.WithTimeout(cfg.ToolTimeout))

	opts := []submission.Option{
		submission.WithWorkers(cfg.Workers),
		submission.WithQueueSize(cfg.QueueSize),
		submission.WithMetrics(recorder),
	}
	if conns := archive.LoadFromEnv(ctx, cfg.ArchiveTargets, log.Logger); len(conns) > 0 {
		log.Info().Int("count", len(conns)).Msg("archive targets enabled")
		opts = append(opts, submission.WithArchiver(archive.New(conns, archive.WithTimeout(cfg.ArchiveTimeout))))
	}
	store := postgres.NewStore(pool)
	orchestrator := submission.New(store, stager, runner, opts...)

	scanner := screening.NewRuleScannerFromEnv()
	if scanner == nil {
		log.Warn().Msg("upload screening disabled")
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Gate:           gate.Middleware,
			Submitter:      orchestrator,
			Reader:         store,
			Scanner:        scanner,
			Metrics:        recorder.Handler(),
			MaxUploadBytes: cfg.MaxUploadBytes,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("storaged HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := orchestrator.Close(drainCtx); err != nil {
		return fmt.Errorf("drain submissions: %w", err)
	}
	return nil
}

func loadToolTemplate(cfg config.Config) (tool.Template, error) {
	if cfg.ToolConfigPath != "" {
		return tool.LoadTemplate(cfg.ToolConfigPath)
	}
	return tool.ParseCommand(cfg.SubmitCommand)
}
