// Command worker runs the synthesis and consumption core: the queue
// consumers, the synthesis engine, and the operational HTTP surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/communityforge/synthesis-core/internal/app"
	"github.com/communityforge/synthesis-core/internal/config"
	"github.com/communityforge/synthesis-core/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	lg := observability.SetupLogger(cfg)
	slog.SetDefault(lg)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		lg.Error("failed to set up tracing", slog.Any("error", err))
		os.Exit(1)
	}
	if shutdownTracing != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				lg.Warn("tracing shutdown failed", slog.Any("error", err))
			}
		}()
	}

	sup, err := app.NewSupervisor(cfg, lg)
	if err != nil {
		lg.Error("failed to build supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	lg.Info("starting synthesis core",
		slog.String("event_queue", cfg.EventQueue),
		slog.String("interaction_queue", cfg.InteractionQueue),
		slog.Int("health_port", cfg.HealthPort))

	if err := sup.Run(context.Background()); err != nil {
		lg.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}
