// Package aggregator supervises the exchange feeds and buffers their ticks
// for the evaluator.
package aggregator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/infra/telemetry"
	"github.com/volitrade/sentinel/internal/observability"
)

// Queue is the bounded buffer between the feeds and the evaluator. When the
// buffer is full the oldest tick is evicted to admit the new one, so a slow
// consumer sees the freshest window of the market rather than a stale one.
type Queue struct {
	ch      chan market.Tick
	runtime *observability.RuntimeMetrics
	metrics *queueMetrics
}

// NewQueue creates a queue with the given capacity. runtime may be nil.
func NewQueue(capacity int, runtime *observability.RuntimeMetrics) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{ch: make(chan market.Tick, capacity), runtime: runtime}
	q.metrics = newQueueMetrics(q)
	return q
}

// Enqueue admits a tick, evicting the oldest entry when full. Safe for
// concurrent producers; never blocks.
func (q *Queue) Enqueue(tick market.Tick) {
	for {
		select {
		case q.ch <- tick:
			return
		default:
		}
		select {
		case dropped := <-q.ch:
			q.runtime.RecordDroppedTick(string(dropped.Source))
			q.metrics.recordDrop(dropped.Source)
		default:
		}
	}
}

// Dequeue blocks until a tick is available or ctx ends. The second return
// is false when the context terminated the wait.
func (q *Queue) Dequeue(ctx context.Context) (market.Tick, bool) {
	select {
	case tick := <-q.ch:
		return tick, true
	case <-ctx.Done():
		return market.Tick{}, false
	}
}

// Len reports the current buffer depth.
func (q *Queue) Len() int { return len(q.ch) }

type queueMetrics struct {
	environment string
	drops       metric.Int64Counter
	depth       metric.Int64ObservableGauge
}

func newQueueMetrics(q *Queue) *queueMetrics {
	meter := otel.Meter("aggregator")
	qm := &queueMetrics{environment: telemetry.Environment()}

	qm.drops, _ = meter.Int64Counter("sentinel_tick_queue_drops",
		metric.WithDescription("Ticks evicted from the full tick queue"),
		metric.WithUnit("{tick}"))

	qm.depth, _ = meter.Int64ObservableGauge("sentinel_tick_queue_depth",
		metric.WithDescription("Ticks buffered in the tick queue"),
		metric.WithUnit("{tick}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(q.Len()),
				metric.WithAttributes(telemetry.AttrEnvironment.String(qm.environment)))
			return nil
		}))

	return qm
}

func (qm *queueMetrics) recordDrop(source market.Source) {
	if qm == nil || qm.drops == nil {
		return
	}
	qm.drops.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(qm.environment),
		telemetry.AttrSource.String(string(source)),
	))
}
