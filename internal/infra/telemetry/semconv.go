// Package telemetry provides semantic conventions for engine observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for engine-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSource identifies which exchange feed produced the tick.
	AttrSource = attribute.Key("source")
	// AttrSymbol captures the instrument symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrEntityKind distinguishes recommendation vs user trade telemetry.
	AttrEntityKind = attribute.Key("entity.kind")
	// AttrTriggerType labels trigger evaluation metrics (ENTRY, SL, PROFIT_STOP, TP).
	AttrTriggerType = attribute.Key("trigger.type")
	// AttrEventType annotates lifecycle counters with the event written (ACTIVATED, TP1_HIT, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors and drops.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels feed connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// TickAttributes returns common attributes for tick ingestion metrics.
func TickAttributes(environment, source, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrSymbol.String(symbol),
	}
}

// TriggerAttributes returns attributes for trigger evaluation metrics.
func TriggerAttributes(environment, entityKind, triggerType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEntityKind.String(entityKind),
		AttrTriggerType.String(triggerType),
	}
}

// TransitionAttributes returns attributes for lifecycle transition metrics.
func TransitionAttributes(environment, entityKind, eventType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEntityKind.String(entityKind),
		AttrEventType.String(eventType),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for feed connection state metrics.
func ConnectionAttributes(environment, source, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrConnectionState.String(state),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
	}
}
