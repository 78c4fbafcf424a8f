package aggregator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/infra/telemetry"
	"github.com/volitrade/sentinel/internal/observability"
)

const defaultReconcileInterval = 60 * time.Second

// SymbolSource yields the symbols that currently need market data. The
// trigger index satisfies it.
type SymbolSource interface {
	Symbols() []string
}

// Config tunes the feed supervisor.
type Config struct {
	// ReconcileInterval is how often the watched symbol set is re-read
	// from the symbol source. Zero means one minute.
	ReconcileInterval time.Duration
}

// Aggregator owns the exchange stream subscriptions. It keeps every feed
// subscribed to the symbol set the trigger index needs, relaunching the
// streams whenever that set changes, and funnels all ticks into one queue.
type Aggregator struct {
	feeds    []market.Feed
	queue    *Queue
	symbols  SymbolSource
	runtime  *observability.RuntimeMetrics
	interval time.Duration
	metrics  *supervisorMetrics

	mu      sync.Mutex
	watched []string
	cancel  context.CancelFunc
	streams conc.WaitGroup
}

// New wires a supervisor over feeds. runtime may be nil.
func New(feeds []market.Feed, queue *Queue, symbols SymbolSource, runtime *observability.RuntimeMetrics, cfg Config) *Aggregator {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	a := &Aggregator{
		feeds:    feeds,
		queue:    queue,
		symbols:  symbols,
		runtime:  runtime,
		interval: interval,
	}
	a.metrics = newSupervisorMetrics(a)
	return a
}

// Run reconciles once immediately, then on every interval until ctx ends.
// On exit the streams are torn down and drained.
func (a *Aggregator) Run(ctx context.Context) error {
	a.EnsureWatching(ctx, a.symbols.Symbols())

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.stop()
			return ctx.Err()
		case <-ticker.C:
			a.EnsureWatching(ctx, a.symbols.Symbols())
		}
	}
}

// EnsureWatching reconciles the streamed symbol set. An unchanged set is a
// no-op; a changed one cancels the running streams, waits for them to drain,
// and launches every feed against the new list.
func (a *Aggregator) EnsureWatching(ctx context.Context, symbols []string) {
	want := normalizeSet(symbols)

	a.mu.Lock()
	defer a.mu.Unlock()
	if slices.Equal(a.watched, want) {
		return
	}
	a.stopLocked()
	a.watched = want
	a.metrics.recordReconcile(ctx)

	if len(want) == 0 {
		observability.Log().Info("market streams idle, no armed symbols")
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	for _, feed := range a.feeds {
		f := feed
		a.streams.Go(func() {
			if err := f.Stream(streamCtx, want, a.handle); err != nil && !errors.Is(err, context.Canceled) {
				observability.Log().Error("market stream terminated",
					observability.F("source", string(f.Source())),
					observability.F("error", err))
			}
		})
	}
	observability.Log().Info("market streams reconciled",
		observability.F("symbols", len(want)),
		observability.F("feeds", len(a.feeds)))
}

// Watched returns the symbol set the streams are currently subscribed to.
func (a *Aggregator) Watched() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.watched)
}

// handle is the shared feed callback. Adapters validate ticks before
// forwarding, so all that remains is counting and buffering.
func (a *Aggregator) handle(tick market.Tick) {
	a.runtime.RecordTick(string(tick.Source))
	a.queue.Enqueue(tick)
}

func (a *Aggregator) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.watched = nil
}

// stopLocked cancels the current stream generation and waits it out. Stream
// goroutines never take a.mu, so holding it across the wait is safe.
func (a *Aggregator) stopLocked() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
	a.streams.Wait()
}

func normalizeSet(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		normalized := market.NormalizeSymbol(symbol)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	slices.Sort(out)
	return out
}

type supervisorMetrics struct {
	environment string
	reconciles  metric.Int64Counter
	watched     metric.Int64ObservableGauge
}

func newSupervisorMetrics(a *Aggregator) *supervisorMetrics {
	meter := otel.Meter("aggregator")
	sm := &supervisorMetrics{environment: telemetry.Environment()}

	sm.reconciles, _ = meter.Int64Counter("sentinel_feed_reconciles",
		metric.WithDescription("Stream relaunches caused by a changed symbol set"),
		metric.WithUnit("{reconcile}"))

	sm.watched, _ = meter.Int64ObservableGauge("sentinel_watched_symbols",
		metric.WithDescription("Symbols the feeds are currently subscribed to"),
		metric.WithUnit("{symbol}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(len(a.Watched())),
				metric.WithAttributes(telemetry.AttrEnvironment.String(sm.environment)))
			return nil
		}))

	return sm
}

func (sm *supervisorMetrics) recordReconcile(ctx context.Context) {
	if sm == nil || sm.reconciles == nil {
		return
	}
	sm.reconciles.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(sm.environment)))
}
