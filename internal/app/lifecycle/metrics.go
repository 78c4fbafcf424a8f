package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/infra/telemetry"
)

type transitionMetrics struct {
	environment string
	transitions metric.Int64Counter
}

func newTransitionMetrics() *transitionMetrics {
	meter := otel.Meter("app.lifecycle")
	tm := &transitionMetrics{environment: telemetry.Environment()}

	tm.transitions, _ = meter.Int64Counter("sentinel_lifecycle_transitions",
		metric.WithDescription("Lifecycle transitions by entity kind, event, and outcome"),
		metric.WithUnit("{transition}"))

	return tm
}

func (tm *transitionMetrics) record(ctx context.Context, kind signal.EntityKind, event signal.EventType, outcome string) {
	if tm == nil || tm.transitions == nil {
		return
	}
	tm.transitions.Add(ctx, 1, metric.WithAttributes(
		telemetry.TransitionAttributes(tm.environment, string(kind), string(event), outcome)...))
}
