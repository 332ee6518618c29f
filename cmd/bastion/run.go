package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the exit, protection and breakeven loops against the configured venues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEngine(cmd.Context(), opts, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass of every loop and exit")
	return cmd
}

func runEngine(ctx context.Context, opts *rootOptions, once bool) error {
	logger := opts.logger()
	cfg, err := opts.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger.Printf("configuration initialised: env=%s venues=%d database=%t", cfg.Environment, len(cfg.EnabledVenues()), cfg.Database.Enabled)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := buildApp(runCtx, cfg, logger, buildOptions{advisory: false})
	if err != nil {
		return err
	}

	if once {
		defer a.close(context.Background())
		for _, res := range a.executor.ProcessExits(runCtx) {
			logger.Printf("exit pass: symbol=%s success=%t message=%q", res.Symbol, res.Success, res.Message)
		}
		for _, res := range a.executor.RefreshProtection(runCtx) {
			logger.Printf("protection pass: symbol=%s success=%t message=%q", res.Symbol, res.Success, res.Message)
		}
		for _, res := range a.executor.BreakevenScan(runCtx) {
			logger.Printf("breakeven pass: symbol=%s success=%t message=%q", res.Symbol, res.Success, res.Message)
		}
		return nil
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := a.engine.Run(runCtx); err != nil {
			logger.Printf("engine stopped: %v", err)
		}
	})

	logger.Print("bastion started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		app:        a,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	app        *app
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for engine loops", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.app == nil {
		return
	}
	if cfg.app.db != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(context.Context) error {
			cfg.app.db.Close()
			return nil
		})
	}
	if cfg.app.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.app.telemetry.Shutdown(stepCtx)
		})
	}
}
