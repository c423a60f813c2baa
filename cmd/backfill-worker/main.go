package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/appointment-reassignment/internal/app"
	"github.com/hackgods/appointment-reassignment/internal/backfill"
	"github.com/hackgods/appointment-reassignment/internal/config"
	"github.com/hackgods/appointment-reassignment/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("backfill-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval, "min_risk", cfg.BackfillMinRisk)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("bootstrap failed", "error", err)
	}
	defer a.Close()

	// Run once at startup
	runOnce(rootCtx, a.Backfill, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping backfill worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, a.Backfill, log)
		}
	}
}

// runOnce retries every still-available freed slot against the waitlist.
func runOnce(ctx context.Context, m *backfill.Matcher, log *logger.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	report, err := m.Sweep(runCtx)
	if err != nil {
		log.Error("backfill sweep failed", "error", err)
		return
	}

	metrics, err := m.Metrics(runCtx)
	if err != nil {
		log.Warn("backfill metrics failed", "error", err)
	}
	log.Info("backfill sweep complete",
		"duration", time.Since(start),
		"checked", report.Checked,
		"backfilled", report.Backfilled,
		"fill_rate", metrics.FillRate,
		"revenue_preserved", metrics.RevenuePreserved,
	)
}
