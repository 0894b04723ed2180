package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidianstack/alertpipe/internal/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("alertpipe starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"listen", cfg.HTTP.Listen,
		"collectors", len(cfg.Collection.Collectors),
		"rules", len(cfg.Alerting.Rules),
		"channels", len(cfg.Notifications.Channels),
		"evaluation_interval", cfg.Alerting.EvaluationInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := build(cfg)
	if err != nil {
		slog.Error("failed to build components", "err", err)
		os.Exit(1)
	}

	// Compaction of expired points.
	go a.store.Run(ctx)

	if cfg.Collection.Autostart {
		a.collectors.StartCollection(ctx)
	}
	a.engine.StartEvaluation(ctx, cfg.Alerting.EvaluationInterval)
	go a.hub.Run(ctx)

	// Hot reload: retention overrides and routes only.
	go func() {
		if err := config.Watch(ctx, *configPath, a.reload); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("alertpipe shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck

	a.unsubscribe()
	a.engine.StopEvaluation()
	a.collectors.StopCollection()
	a.engine.Wait()
	if err := a.dispatcher.Close(); err != nil {
		slog.Error("closing notification channels", "err", err)
	}
}
