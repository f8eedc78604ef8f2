package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"market_rules/internal/core"
	"market_rules/pkg/telemetry"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies.
type App struct {
	Cfg    *Config
	Logger core.ILogger

	meters    *sdkmetric.MeterProvider
	telemetry *telemetry.Telemetry
	traceOut  io.Closer
}

// NewApp creates a new App instance by bootstrapping all dependencies.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	app := &App{Cfg: cfg}

	// providers go first so the logger's otelzap core binds to them
	if cfg.Telemetry.EnableTracing {
		if err := app.setupTracing(); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app.Logger = logger

	if app.telemetry != nil {
		logger.Info("Telemetry exporters initialized", "trace_file", cfg.Telemetry.TraceFile, "metrics", cfg.Telemetry.EnableMetrics)
	} else if cfg.Telemetry.EnableMetrics {
		mp, err := telemetry.InitMetrics()
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		app.meters = mp
		logger.Info("Metrics exporter initialized")
	}

	return app, nil
}

func (a *App) setupTracing() error {
	opts := telemetry.SetupOptions{Metrics: a.Cfg.Telemetry.EnableMetrics}
	if path := a.Cfg.Telemetry.TraceFile; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		opts.Output = f
		a.traceOut = f
	}

	tel, err := telemetry.Setup(a.Cfg.App.Name, opts)
	if err != nil {
		if a.traceOut != nil {
			_ = a.traceOut.Close()
		}
		return err
	}
	a.telemetry = tel
	return nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run runs main alongside the background runners. Background runners are
// cancelled once main returns; a failure of any runner cancels the rest. An
// interrupt or SIGTERM stops everything and is not reported as an error.
func (a *App) Run(ctx context.Context, main Runner, background ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, cancelBackground := context.WithCancel(gctx)
	defer cancelBackground()

	a.Logger.Info("starting application")

	for _, r := range background {
		g.Go(func() error {
			return r.Run(bgCtx)
		})
	}
	g.Go(func() error {
		defer cancelBackground()
		return main.Run(gctx)
	})

	err := g.Wait()
	switch {
	case err == nil:
		a.Logger.Info("application shut down gracefully")
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		a.Logger.Info("application interrupted")
		return nil
	default:
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}
}

// Shutdown flushes telemetry
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.meters != nil {
		errs = append(errs, a.meters.Shutdown(ctx))
	}
	if a.traceOut != nil {
		errs = append(errs, a.traceOut.Close())
	}
	return errors.Join(errs...)
}
