package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/auth"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/database"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// runtime is the stack shared by every subcommand: configuration, an
// authenticated warehouse session, the event logger, and auth over both.
type runtime struct {
	cfg    *config.Config
	wh     *store.Session
	events *eventlog.Logger
	reader *consistency.Reader
	auth   *auth.Service
	logger *slog.Logger
}

// bootstrap loads configuration and opens the warehouse stack. Config
// failures surface as misconfiguration so the process exits with code 2.
func bootstrap(ctx context.Context, migrateSchema bool) (*runtime, error) {
	logger := slog.Default()

	cfg, err := config.Initialize(configDir)
	if err != nil {
		return nil, models.NewGatewayError(models.KindConfig, "misconfigured", err.Error())
	}

	wh, err := store.Open(ctx, cfg.Snowflake, cfg.Tunables, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse session: %w", err)
	}

	if migrateSchema {
		if err := database.Migrate(wh.DB(), cfg.Snowflake.Database); err != nil {
			_ = wh.Close(ctx)
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	t := cfg.Tunables
	evlog := eventlog.New(wh, eventlog.Config{
		RatePerMin:  t.LoggerRatePerMin,
		FlushEvery:  t.LoggerFlushEvery,
		BufferLimit: t.LoggerBufferLimit,
		BatchCap:    t.LoggerBatchCap,
	}, logger)
	evlog.Start()

	reader := consistency.New(wh, t.FreshWindow, logger)

	authSvc, err := auth.New(wh, reader, evlog, cfg.Pepper, t.ReplayWindow, logger)
	if err != nil {
		_ = evlog.Close(ctx)
		_ = wh.Close(ctx)
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		wh:     wh,
		events: evlog,
		reader: reader,
		auth:   authSvc,
		logger: logger,
	}, nil
}

// close drains pending events before the session tears down.
func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.events.Close(ctx); err != nil {
		r.logger.Warn("failed to flush events on close", "error", err)
	}
	if err := r.wh.Close(ctx); err != nil {
		r.logger.Warn("failed to close warehouse session", "error", err)
	}
}
