package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/api"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/deploy"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/events"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/llm"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/metrics"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/query"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/ratelimit"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/router"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	rt, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	cfg, t, logger := rt.cfg, rt.cfg.Tunables, rt.logger

	limiter := ratelimit.New(ratelimit.Config{}, rt.events, logger)
	if err := limiter.Rebuild(ctx, rt.wh); err != nil {
		// Buckets start full instead; over-admitting briefly beats refusing.
		logger.Warn("failed to rebuild rate limit state", "error", err)
	}

	var interpreter llm.Interpreter = llm.NewRuleBased()
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		interpreter = llm.NewAnthropic(key, os.Getenv("ANTHROPIC_MODEL"), logger)
		logger.Info("LLM interpreter enabled")
	} else {
		logger.Info("No ANTHROPIC_API_KEY, using rule-based interpreter")
	}
	smartRouter := router.New(cfg.Contract, interpreter, rt.events,
		t.Tier2Budget, t.Tier3Budget, logger)

	validator := query.NewValidator(cfg.Contract, t.MaxTopN)
	compiler := query.NewCompiler(cfg.Contract, t.MaxTopN)
	executor := query.NewExecutor(rt.wh, rt.events, cfg.Contract.Hash(),
		t.StatementTimeout, logger)
	gateway := deploy.New(rt.wh, rt.events, rt.reader, logger)

	m := metrics.New()
	orch := api.NewOrchestrator(cfg.Contract, rt.wh, rt.events, rt.auth,
		limiter, smartRouter, validator, compiler, executor, gateway,
		rt.reader, m, logger)
	manager := events.NewManager(orch, t.WSWriteTimeout, logger)
	m.RegisterGauges(
		func() float64 { return float64(rt.events.Buffered()) },
		func() float64 { return float64(manager.ActiveSessions()) },
	)

	activationRefill := t.ActivationWindow
	if t.ActivationLimit > 0 {
		activationRefill = t.ActivationWindow / time.Duration(t.ActivationLimit)
	}
	activationLimiter := ratelimit.New(ratelimit.Config{
		Capacity:    t.ActivationLimit,
		RefillEvery: activationRefill,
	}, rt.events, logger)

	srv := api.NewServer(cfg, rt.wh, rt.events, rt.auth, rt.reader, orch,
		manager, activationLimiter, m, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Gateway started", "port", cfg.HTTPPort,
		"contract_hash", cfg.Contract.Hash())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Shutdown drains HTTP, flushes the logger, and closes the warehouse.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown incomplete", "error", err)
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}
