// Command sentinel launches the trade-signal lifecycle engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/volitrade/sentinel/db/migrations"
	"github.com/volitrade/sentinel/internal/app/aggregator"
	"github.com/volitrade/sentinel/internal/app/evaluator"
	"github.com/volitrade/sentinel/internal/app/index"
	"github.com/volitrade/sentinel/internal/app/lifecycle"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/notify"
	domainsignal "github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/infra/adapters/binance"
	"github.com/volitrade/sentinel/internal/infra/adapters/bybit"
	"github.com/volitrade/sentinel/internal/infra/config"
	"github.com/volitrade/sentinel/internal/infra/notify/telegram"
	"github.com/volitrade/sentinel/internal/infra/persistence"
	"github.com/volitrade/sentinel/internal/infra/persistence/migrations"
	"github.com/volitrade/sentinel/internal/infra/persistence/postgres"
	"github.com/volitrade/sentinel/internal/infra/telemetry"
	"github.com/volitrade/sentinel/internal/observability"
	"github.com/volitrade/sentinel/lib/async"
)

const (
	defaultConfigPath = "config/sentinel.yaml"
	loggerPrefix      = "sentinel "

	notifyWorkers = 4
	notifyQueue   = 256

	runtimeReportInterval    = time.Minute
	shutdownTimeout          = 30 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	notifyShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, verbose := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, verbose))

	cfg, err := loadConfig(cfgPath, logger)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s provider=%s sources=%d",
		cfg.Environment, cfg.MarketData.Provider, len(cfg.MarketData.Sources))

	_, telemetryShutdown, err := telemetry.Init(ctx, string(cfg.Environment), cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	if cfg.Database.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.Database.DSN, dbmigrations.Files, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := persistence.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	postgres.ObservePoolMetrics(pool, "primary")
	store := postgres.NewSignalStore(pool)
	logger.Print("database connected")

	runtime := observability.NewRuntimeMetrics()

	ix := index.New(domainsignal.DeriveOptions{ProfitStopEnabled: cfg.Lifecycle.ProfitStopEnabled})
	indexRunner := index.NewRunner(ix, store, index.RunnerConfig{
		Interval:  cfg.Index.RebuildInterval,
		RetryBase: cfg.Index.RetryBase,
		RetryCap:  cfg.Index.RetryCap,
	}, runtime)

	queue := aggregator.NewQueue(cfg.Aggregator.QueueCapacity, runtime)

	feeds, err := buildFeeds(cfg.MarketData, cfg.Aggregator)
	if err != nil {
		logger.Fatalf("configure feeds: %v", err)
	}
	agg := aggregator.New(feeds, queue, ix, runtime, aggregator.Config{
		ReconcileInterval: cfg.Aggregator.ReconcileInterval,
	})

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notifier.Enabled() {
		notifier = telegram.New(telegram.Options{
			Token:       cfg.Notifier.BotToken,
			APIBaseURL:  cfg.Notifier.APIBaseURL,
			CallTimeout: cfg.Notifier.RequestTimeout,
			RatePerSec:  cfg.Notifier.MessagesPerSecond,
			Burst:       cfg.Notifier.Burst,
		})
		logger.Print("telegram notifier enabled")
	} else {
		logger.Print("no bot token configured; notifications disabled")
	}

	tasks, err := async.NewPool(notifyWorkers, notifyQueue)
	if err != nil {
		logger.Fatalf("initialise notification pool: %v", err)
	}

	transitions := lifecycle.New(store, ix, notifier, tasks, lifecycle.Config{
		BreakevenBufferBps: cfg.Lifecycle.BreakevenBufferBps,
		StoreTimeout:       cfg.Lifecycle.StoreTimeout,
	})
	eval := evaluator.New(queue, ix, transitions, evaluator.Config{
		DebounceWindow: cfg.Evaluator.DebounceWindow,
	}, runtime)

	var pipeline conc.WaitGroup
	pipeline.Go(func() {
		if err := indexRunner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("index runner stopped: %v", err)
		}
	})
	pipeline.Go(func() {
		if err := agg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("aggregator stopped: %v", err)
		}
	})
	pipeline.Go(func() {
		if err := eval.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("evaluator stopped: %v", err)
		}
	})
	pipeline.Go(func() { reportRuntime(ctx, runtime, queue, logger) })

	logger.Print("sentinel started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, shutdownHandles{
		mainCancel: cancel,
		pipeline:   &pipeline,
		tasks:      tasks,
		dbPool:     pool.Close,
		telemetry:  telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *verbose
}

// loadConfig reads the YAML config; a missing default file falls back to
// built-in defaults so a dev checkout boots without ceremony.
func loadConfig(flagValue string, logger *log.Logger) (config.AppConfig, error) {
	path := flagValue
	if path == "" {
		path = filepath.Clean(defaultConfigPath)
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if flagValue == "" && errors.Is(err, fs.ErrNotExist) {
		logger.Printf("configuration file not found at %s, using defaults", path)
		return config.Parse(nil)
	}
	return config.AppConfig{}, err
}

// buildFeeds returns the configured exchange feeds with the quote provider
// first, so the same slice orders quote fallback.
func buildFeeds(md config.MarketDataConfig, agg config.AggregatorConfig) ([]market.Feed, error) {
	ordered := []string{md.Provider}
	for _, raw := range md.Sources {
		if raw != md.Provider {
			ordered = append(ordered, raw)
		}
	}

	feeds := make([]market.Feed, 0, len(ordered))
	for _, raw := range ordered {
		source, err := market.NormalizeSource(raw)
		if err != nil {
			return nil, err
		}
		switch source {
		case market.SourceBinance:
			feeds = append(feeds, binance.New(binance.Options{
				BackoffBase: agg.BackoffBase,
				BackoffCap:  agg.BackoffCap,
			}))
		case market.SourceBybit:
			feeds = append(feeds, bybit.New(bybit.Options{
				BackoffBase: agg.BackoffBase,
				BackoffCap:  agg.BackoffCap,
			}))
		}
	}
	return feeds, nil
}

// reportRuntime logs the hot-path counters once a minute so an operator can
// follow pipeline health from plain logs.
func reportRuntime(ctx context.Context, runtime *observability.RuntimeMetrics, queue *aggregator.Queue, logger *log.Logger) {
	ticker := time.NewTicker(runtimeReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := runtime.Snapshot()
			logger.Printf("runtime: ticks=%d dropped=%d queued=%d trigger_hits=%d debounced=%d dispatch_errors=%d rebuilds=%d rebuild_errors=%d",
				sumCounters(s.TicksBySource), sumCounters(s.DroppedTicks), queue.Len(),
				sumCounters(s.TriggerHits), s.DebounceDrops, s.DispatchErrors,
				s.IndexRebuilds, s.IndexRebuildErr)
		}
	}
}

func sumCounters(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

type shutdownHandles struct {
	mainCancel context.CancelFunc
	pipeline   *conc.WaitGroup
	tasks      *async.Pool
	dbPool     func()
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, h shutdownHandles) {
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
	if h.mainCancel != nil {
		h.mainCancel()
	}

	if h.pipeline != nil {
		shutdownStep("draining tick pipeline", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				h.pipeline.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for pipeline goroutines: %w", stepCtx.Err())
			}
		})
	}

	if h.tasks != nil {
		shutdownStep("draining notification pool", notifyShutdownTimeout, func(stepCtx context.Context) error {
			err := h.tasks.Shutdown(stepCtx)
			completed, failed := h.tasks.Stats()
			logger.Printf("notification tasks: %d completed, %d failed", completed, failed)
			return err
		})
	}

	if h.dbPool != nil {
		logger.Print("shutdown: closing database pool")
		h.dbPool()
	}

	if h.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, h.telemetry)
	}
}
