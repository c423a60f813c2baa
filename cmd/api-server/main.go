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

	"github.com/hackgods/appointment-reassignment/internal/api"
	"github.com/hackgods/appointment-reassignment/internal/app"
	"github.com/hackgods/appointment-reassignment/internal/config"
	"github.com/hackgods/appointment-reassignment/internal/logger"
)

var version = "dev"

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

	log.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort,
		"store", cfg.StoreDriver, "decision_mode", cfg.DecisionMode)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("bootstrap failed", "error", err)
	}
	defer a.Close()

	routerCfg := api.RouterConfig{
		Workflow: a.Engine,
		Backfill: a.Backfill,
		Store:    a.Repo,
		PgPool:   a.PgPool,
		Redis:    a.Redis,
		Log:      log,
		Env:      cfg.Env,
		Version:  version,
	}
	if a.Responses != nil {
		routerCfg.Offers = a.Responses
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
