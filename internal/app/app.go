package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tradevane/internal/config"
	"tradevane/internal/logger"
	"tradevane/internal/pipeline"
	"tradevane/internal/realtime"
	"tradevane/internal/scheduler"
	"tradevane/internal/store"
	transporthttp "tradevane/internal/transport/http"
)

// App is the assembled application: HTTP API, sync scheduler and the
// realtime event pump.
type App struct {
	cfg       *config.Config
	server    *transporthttp.Server
	scheduler *scheduler.Scheduler
	realtime  *realtime.Broker
	store     store.Store
	pipeline  *pipeline.Pipeline
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return NewBuilder(cfg).Build()
}

// Run starts all long-running components and blocks until ctx is cancelled
// or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.realtime.Run(ctx)
		return nil
	})

	group.Go(func() error {
		logger.Infof("http server listening on %s", a.server.Addr())
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	if a.cfg.Scheduler.Enabled {
		group.Go(func() error {
			a.scheduler.Run(ctx)
			return nil
		})
	} else {
		logger.Infof("scheduler disabled, sync runs only on external trigger")
	}

	return group.Wait()
}

// Pipeline exposes the analysis pipeline for harnesses and tests.
func (a *App) Pipeline() *pipeline.Pipeline {
	if a == nil {
		return nil
	}
	return a.pipeline
}
