package evaluator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/infra/telemetry"
)

type evalMetrics struct {
	environment string
	hits        metric.Int64Counter
	debounced   metric.Int64Counter
	errors      metric.Int64Counter
}

func newEvalMetrics() *evalMetrics {
	meter := otel.Meter("app.evaluator")
	em := &evalMetrics{environment: telemetry.Environment()}

	em.hits, _ = meter.Int64Counter("sentinel_trigger_hits",
		metric.WithDescription("Trigger crossings dispatched to the lifecycle service"),
		metric.WithUnit("{hit}"))

	em.debounced, _ = meter.Int64Counter("sentinel_trigger_debounce_drops",
		metric.WithDescription("Trigger crossings suppressed by the debounce window"),
		metric.WithUnit("{hit}"))

	em.errors, _ = meter.Int64Counter("sentinel_trigger_dispatch_errors",
		metric.WithDescription("Lifecycle dispatches that returned an error"),
		metric.WithUnit("{error}"))

	return em
}

func (em *evalMetrics) recordHit(ctx context.Context, trig signal.Trigger) {
	em.add(ctx, em.hits, trig)
}

func (em *evalMetrics) recordDebounceDrop(ctx context.Context, trig signal.Trigger) {
	em.add(ctx, em.debounced, trig)
}

func (em *evalMetrics) recordDispatchError(ctx context.Context, trig signal.Trigger) {
	em.add(ctx, em.errors, trig)
}

func (em *evalMetrics) add(ctx context.Context, counter metric.Int64Counter, trig signal.Trigger) {
	if em == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.TriggerAttributes(em.environment, string(trig.Kind), string(trig.Type))...))
}
