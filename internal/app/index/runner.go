package index

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/infra/telemetry"
	"github.com/volitrade/sentinel/internal/observability"
)

// SnapshotSource loads the authoritative armed-entity projection the rebuild
// derives triggers from.
type SnapshotSource interface {
	ActiveTriggerSnapshot(ctx context.Context) ([]signal.TriggerSource, error)
}

// RunnerConfig sizes the rebuild loop. RetryBase and RetryCap bound the
// backoff applied while the initial rebuild cannot reach the store.
type RunnerConfig struct {
	Interval  time.Duration
	RetryBase time.Duration
	RetryCap  time.Duration
}

// Runner drives full index rebuilds: once at startup, retried until it
// succeeds, then on a fixed interval for as long as the engine runs.
type Runner struct {
	index   *Index
	source  SnapshotSource
	cfg     RunnerConfig
	runtime *observability.RuntimeMetrics
	metrics *runnerMetrics
}

// NewRunner wires a rebuild loop for index. runtime may be nil.
func NewRunner(index *Index, source SnapshotSource, cfg RunnerConfig, runtime *observability.RuntimeMetrics) *Runner {
	return &Runner{
		index:   index,
		source:  source,
		cfg:     cfg,
		runtime: runtime,
		metrics: newRunnerMetrics(index),
	}
}

// Rebuild loads one snapshot and swaps it into the index.
func (r *Runner) Rebuild(ctx context.Context) error {
	started := time.Now()
	sources, err := r.source.ActiveTriggerSnapshot(ctx)
	r.runtime.RecordIndexRebuild(err)
	if err != nil {
		r.metrics.recordRebuild(ctx, "error", time.Since(started))
		return err
	}

	r.index.ReplaceAll(sources)
	r.metrics.recordRebuild(ctx, "success", time.Since(started))
	observability.Log().Debug("trigger index rebuilt",
		observability.F("entities", len(sources)),
		observability.F("triggers", r.index.Size()),
		observability.F("elapsed", time.Since(started).String()),
	)
	return nil
}

// Run blocks until ctx terminates. The initial rebuild retries with
// exponential backoff so a briefly unreachable store does not leave the
// evaluator running against an empty index.
func (r *Runner) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = r.cfg.RetryBase
	backoffCfg.MaxInterval = r.cfg.RetryCap

	for {
		err := r.Rebuild(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		observability.Log().Error("initial trigger index rebuild failed", observability.F("error", err))
		if !sleepBackoff(ctx, backoffCfg, r.cfg.RetryCap) {
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Rebuild(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				observability.Log().Error("periodic trigger index rebuild failed", observability.F("error", err))
			}
		}
	}
}

func sleepBackoff(ctx context.Context, cfg *backoff.ExponentialBackOff, maxInterval time.Duration) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

type runnerMetrics struct {
	environment string
	rebuilds    metric.Int64Counter
	duration    metric.Float64Histogram
	armed       metric.Int64ObservableGauge
}

func newRunnerMetrics(ix *Index) *runnerMetrics {
	meter := otel.Meter("app.index")
	rm := &runnerMetrics{environment: telemetry.Environment()}

	rm.rebuilds, _ = meter.Int64Counter("sentinel_index_rebuilds",
		metric.WithDescription("Full trigger index rebuilds by result"),
		metric.WithUnit("{rebuild}"))

	rm.duration, _ = meter.Float64Histogram("sentinel_index_rebuild_duration",
		metric.WithDescription("Wall time of one full index rebuild"),
		metric.WithUnit("s"))

	rm.armed, _ = meter.Int64ObservableGauge("sentinel_index_triggers",
		metric.WithDescription("Triggers currently armed in the index"),
		metric.WithUnit("{trigger}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(ix.Size()),
				metric.WithAttributes(telemetry.AttrEnvironment.String(rm.environment)))
			return nil
		}))

	return rm
}

func (rm *runnerMetrics) recordRebuild(ctx context.Context, result string, elapsed time.Duration) {
	if rm == nil {
		return
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(rm.environment),
		telemetry.AttrResult.String(result),
	)
	if rm.rebuilds != nil {
		rm.rebuilds.Add(ctx, 1, attrs)
	}
	if rm.duration != nil {
		rm.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
