// Package shared holds helpers common to the exchange feed adapters.
package shared

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/infra/telemetry"
)

// StreamMetrics records websocket session telemetry for one feed source.
type StreamMetrics struct {
	environment string
	source      string

	reconnects       metric.Int64Counter
	controlMessages  metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	ticksDecoded     metric.Int64Counter
	decodeFailures   metric.Int64Counter
	pingCount        metric.Int64Counter
	pingLatency      metric.Float64Histogram
}

// NewStreamMetrics registers the feed websocket instruments for a source.
func NewStreamMetrics(source string) *StreamMetrics {
	meter := otel.Meter("feed." + strings.ToLower(source))

	sm := &StreamMetrics{
		environment: telemetry.Environment(),
		source:      strings.ToUpper(strings.TrimSpace(source)),
	}

	sm.reconnects, _ = meter.Int64Counter("sentinel_feed_ws_reconnects",
		metric.WithDescription("Websocket dial attempts per exchange feed"),
		metric.WithUnit("{reconnect}"))

	sm.controlMessages, _ = meter.Int64Counter("sentinel_feed_ws_control_messages",
		metric.WithDescription("Control frames sent on feed websocket connections"),
		metric.WithUnit("{message}"))

	sm.messagesReceived, _ = meter.Int64Counter("sentinel_feed_ws_messages",
		metric.WithDescription("Frames received from feed websocket connections"),
		metric.WithUnit("{message}"))

	sm.messageBytes, _ = meter.Int64Histogram("sentinel_feed_ws_message_bytes",
		metric.WithDescription("Size of frames received from feed websocket connections"),
		metric.WithUnit("By"))

	sm.ticksDecoded, _ = meter.Int64Counter("sentinel_feed_ticks",
		metric.WithDescription("Normalized ticks produced per exchange feed"),
		metric.WithUnit("{tick}"))

	sm.decodeFailures, _ = meter.Int64Counter("sentinel_feed_decode_failures",
		metric.WithDescription("Feed frames dropped because they failed to decode"),
		metric.WithUnit("{frame}"))

	sm.pingCount, _ = meter.Int64Counter("sentinel_feed_ws_pings",
		metric.WithDescription("Keepalive pings sent on feed websocket connections"),
		metric.WithUnit("{ping}"))

	sm.pingLatency, _ = meter.Float64Histogram("sentinel_feed_ws_ping_latency",
		metric.WithDescription("Round-trip latency of feed keepalive pings"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *StreamMetrics) baseAttrs() []attribute.KeyValue {
	if sm == nil {
		return nil
	}
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(sm.environment),
		telemetry.AttrSource.String(sm.source),
	}
}

// RecordReconnect counts one dial attempt and its outcome.
func (sm *StreamMetrics) RecordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	sm.reconnects.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

// RecordControl counts outbound control frames such as SUBSCRIBE batches.
func (sm *StreamMetrics) RecordControl(ctx context.Context, count int) {
	if sm == nil || sm.controlMessages == nil || count <= 0 {
		return
	}
	sm.controlMessages.Add(ensureContext(ctx), int64(count), metric.WithAttributes(sm.baseAttrs()...))
}

// RecordMessage counts one inbound frame and its size.
func (sm *StreamMetrics) RecordMessage(ctx context.Context, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

// RecordTick counts one normalized tick handed to the aggregator.
func (sm *StreamMetrics) RecordTick(ctx context.Context, symbol string) {
	if sm == nil || sm.ticksDecoded == nil {
		return
	}
	attrs := sm.baseAttrs()
	if symbol != "" {
		attrs = telemetry.TickAttributes(sm.environment, sm.source, symbol)
	}
	sm.ticksDecoded.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

// RecordDecodeFailure counts one dropped frame.
func (sm *StreamMetrics) RecordDecodeFailure(ctx context.Context, reason string) {
	if sm == nil || sm.decodeFailures == nil {
		return
	}
	attrs := sm.baseAttrs()
	if reason != "" {
		attrs = append(attrs, telemetry.AttrReason.String(reason))
	}
	sm.decodeFailures.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

// RecordPing counts one keepalive round trip.
func (sm *StreamMetrics) RecordPing(ctx context.Context, latency time.Duration, result string) {
	if sm == nil || sm.pingCount == nil || sm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	sm.pingCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.pingLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
