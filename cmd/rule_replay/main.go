// Command rule_replay replays a scripted market session through the
// emulation connector and runs the bracket strategy on market rules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"market_rules/internal/alert"
	"market_rules/internal/bootstrap"
	"market_rules/internal/connector"
	"market_rules/internal/core"
	"market_rules/internal/infrastructure/health"
	"market_rules/internal/infrastructure/metrics"
	"market_rules/internal/marketrule"
	"market_rules/internal/rules"
	"market_rules/internal/trading/strategy"
	"market_rules/pkg/concurrency"
	"market_rules/pkg/logging"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rule_replay version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if err := run(app); err != nil {
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := app.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	cancel()
	os.Exit(code)
}

func run(app *bootstrap.App) error {
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting rule_replay", "version", version, "scenario", cfg.App.ScenarioFile)

	sc, err := connector.LoadScenario(cfg.App.ScenarioFile)
	if err != nil {
		logger.Error("Failed to load scenario", "error", err)
		return err
	}

	var (
		emOpts []connector.Option
		pool   *concurrency.WorkerPool
	)
	if cfg.Replay.ParallelDispatch {
		pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "dispatch",
			MaxWorkers:  cfg.Concurrency.DispatchPoolSize,
			MaxCapacity: cfg.Concurrency.DispatchPoolBuffer,
		}, logger)
		defer func() {
			logger.Info("Dispatch pool stopping", "stats", pool.Stats())
			pool.Stop()
		}()
		emOpts = append(emOpts, connector.WithDispatchPool(pool))
	}
	em := connector.NewEmulator("replay", logger, emOpts...)

	ruleLevel, err := logging.ParseLevel(cfg.Rules.LogLevel)
	if err != nil {
		ruleLevel = logging.InheritLevel
	}
	container := rules.NewContainer(
		rules.WithContainerName(cfg.Rules.ContainerName),
		rules.WithLogger(logger),
		rules.WithContainerLogLevel(ruleLevel),
		rules.WithClock(em.CurrentTime),
	)
	rules.SetDefault(container)
	defer rules.SetDefault(nil)

	alerts := alert.NewAlertManager(logger,
		alert.WithSendTimeout(time.Duration(cfg.Alert.TimeoutSeconds)*time.Second),
		alert.WithClock(em.CurrentTime),
	)
	if ch := alert.NewWebhookChannel(cfg.Alert, cfg.App.Name); ch != nil {
		alerts.AddChannel(ch)
	}

	watcher := strategy.NewBracketWatcher(em, em, container, alerts, strategy.BracketConfig{
		TakeProfit:   decimal.NewFromFloat(cfg.Strategy.TakeProfit),
		StopLoss:     decimal.NewFromFloat(cfg.Strategy.StopLoss),
		ExitAfter:    cfg.Strategy.ExitAfter(),
		MinPortfolio: decimal.NewFromFloat(cfg.Strategy.MinPortfolio),
	}, logger)

	replayer := connector.NewReplayer(em, cfg.Replay.EventsPerSecond, logger,
		connector.WithRegisterHook(func(ref string, order *core.Order) error {
			if ref != cfg.Strategy.EntryRef {
				return nil
			}
			return watcher.Watch(order)
		}),
	)
	if err := replayer.Setup(sc); err != nil {
		logger.Error("Failed to set up scenario", "error", err)
		return err
	}

	candles, err := connector.NewCandleManager(em, logger)
	if err != nil {
		return err
	}
	defer candles.Close()

	if err := wireStrategy(cfg, em, candles, watcher, logger); err != nil {
		logger.Error("Failed to wire strategy", "error", err)
		return err
	}

	hm := health.NewHealthManager(logger)
	hm.Register("rules", func() error {
		if s := container.ProcessState(); s != rules.Started {
			return fmt.Errorf("container %s", s)
		}
		return nil
	})
	if pool != nil {
		hm.Register("dispatch_pool", pool.Check)
	}

	replay := bootstrap.RunnerFunc(func(ctx context.Context) error {
		runErr := replayer.Run(ctx, sc)
		if runErr != nil {
			logger.Warn("Replay finished with errors", "error", runErr)
		}
		stopErr := stopContainer(container, cfg.Rules.StopTimeout())
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Rules.StopTimeout())
		defer cancel()
		return errors.Join(runErr, stopErr, alerts.Flush(flushCtx))
	})

	var background []bootstrap.Runner
	if cfg.Telemetry.EnableMetrics {
		background = append(background, metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger))
	}

	return app.Run(context.Background(), replay, background...)
}

// wireStrategy guards the portfolio and logs finished minute candles of the traded security
func wireStrategy(cfg *bootstrap.Config, em *connector.Emulator, candles *connector.CandleManager, watcher *strategy.BracketWatcher, logger core.ILogger) error {
	sec, ok := em.Security(cfg.Strategy.Security)
	if !ok {
		return fmt.Errorf("security %s is not in the scenario", cfg.Strategy.Security)
	}
	pf, ok := em.Portfolio(cfg.Strategy.Portfolio)
	if !ok {
		return fmt.Errorf("portfolio %s is not in the scenario", cfg.Strategy.Portfolio)
	}
	if err := watcher.GuardPortfolio(pf); err != nil {
		return err
	}

	series := &core.CandleSeries{Security: sec, Kind: core.CandleTimeFrame, TimeFrame: time.Minute}
	candles.Register(series)
	finished, err := marketrule.WhenCandlesFinished(candles, series)
	if err != nil {
		return err
	}
	finished.UpdateName("minute candles").Do(func(c *core.Candle) {
		logger.Info("Candle finished",
			"security", sec.ID,
			"open_time", c.OpenTime,
			"open", c.OpenPrice.String(),
			"high", c.HighPrice.String(),
			"low", c.LowPrice.String(),
			"close", c.ClosePrice.String(),
			"volume", c.TotalVolume.String(),
		)
	})
	_, err = rules.Apply(finished)
	return err
}

func stopContainer(c *rules.Container, timeout time.Duration) error {
	c.Stop()
	select {
	case <-c.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("container %s: %d rules still active after %s", c.Name(), len(c.Rules()), timeout)
	}
}
