package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"mailqueue/internal/config"
	"mailqueue/internal/constants"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
	"mailqueue/internal/retry"
	"mailqueue/internal/service"

	"golang.org/x/sync/errgroup"
)

func schedulerConfig(cfg *models.Config) service.SchedulerConfig {
	return service.SchedulerConfig{
		PassInterval:    time.Duration(cfg.Queue.PassIntervalSec) * time.Second,
		CleanupInterval: time.Duration(cfg.CleanupIntervalHours) * time.Hour,
		RetentionDays:   cfg.RetentionDays,
	}
}

func daemonCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) > 0 {
		return fmt.Errorf("daemon takes no arguments")
	}

	eng, err := newEngine(a, a.cfg)
	if err != nil {
		return err
	}
	registry := metrics.GetRegistry()

	scheduler := service.NewScheduler(eng, a.db, schedulerConfig(a.cfg), a.logger)
	monitor := service.NewQueueMonitor(a.db, constants.DefaultMonitorIntervalSec*time.Second, a.cfg.Queue.WarnDepth, a.logger)

	var server *Server
	var listener net.Listener
	if a.cfg.Server.Enabled {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", a.cfg.Server.Port, err)
		}
		server = NewServer(a.db, registry, a.logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})

	if a.opts.configPath != "" {
		watcher := config.NewConfigWatcher(a.opts.configPath, a.logger)
		watcher.OnConfigChange(func(cfg *models.Config) {
			applyReload(a, eng, scheduler, cfg)
		})
		g.Go(func() error {
			if err := watcher.Start(gctx); err != nil {
				a.logger.WithError(err).Warn("Configuration watcher stopped")
			}
			return nil
		})
	}

	if server != nil {
		g.Go(func() error {
			return server.Serve(listener)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	a.logger.WithField("version", Version).Info("Queue daemon started")
	err = g.Wait()
	a.logger.Info("Queue daemon stopped")
	return err
}

// applyReload pushes hot-reloadable settings into the running components.
func applyReload(a *app, eng retryUpdater, scheduler *service.Scheduler, cfg *models.Config) {
	policy, err := config.RetryPolicy(cfg)
	if err != nil {
		a.logger.WithError(err).Error("Ignoring reloaded retry policy")
		return
	}
	if err := eng.UpdateRetry(cfg.Queue.MaxRetries, policy); err != nil {
		a.logger.WithError(err).Error("Ignoring reloaded retry settings")
		return
	}
	scheduler.Update(schedulerConfig(cfg))
}

type retryUpdater interface {
	UpdateRetry(maxRetries int, policy retry.Policy) error
}
