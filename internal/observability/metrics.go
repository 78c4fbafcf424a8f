package observability

import "sync"

// EngineMetricsSnapshot captures hot-path runtime counters for the tick pipeline.
type EngineMetricsSnapshot struct {
	TicksBySource   map[string]int64 `json:"ticks_by_source"`
	DroppedTicks    map[string]int64 `json:"dropped_ticks"`
	TriggerHits     map[string]int64 `json:"trigger_hits"`
	DebounceDrops   int64            `json:"debounce_drops"`
	DispatchErrors  int64            `json:"dispatch_errors"`
	IndexRebuilds   int64            `json:"index_rebuilds"`
	IndexRebuildErr int64            `json:"index_rebuild_errors"`
}

// RuntimeMetrics accumulates tick-pipeline counters in-memory for periodic
// export. A nil receiver is valid and records nothing.
type RuntimeMetrics struct {
	mu       sync.Mutex
	snapshot EngineMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.snapshot = EngineMetricsSnapshot{
		TicksBySource: make(map[string]int64),
		DroppedTicks:  make(map[string]int64),
		TriggerHits:   make(map[string]int64),
	}
	return metrics
}

// RecordTick counts a tick admitted to the queue for the given source.
func (m *RuntimeMetrics) RecordTick(source string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.TicksBySource[source]++
}

// RecordDroppedTick counts a tick evicted from a full queue.
func (m *RuntimeMetrics) RecordDroppedTick(source string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DroppedTicks[source]++
}

// RecordTriggerHit counts a dispatched trigger by type.
func (m *RuntimeMetrics) RecordTriggerHit(triggerType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.TriggerHits[triggerType]++
}

// RecordDebounceDrop counts a hit suppressed by the debounce window.
func (m *RuntimeMetrics) RecordDebounceDrop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DebounceDrops++
}

// RecordDispatchError counts a lifecycle dispatch that returned an error.
func (m *RuntimeMetrics) RecordDispatchError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DispatchErrors++
}

// RecordIndexRebuild counts a completed full index rebuild.
func (m *RuntimeMetrics) RecordIndexRebuild(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snapshot.IndexRebuildErr++
		return
	}
	m.snapshot.IndexRebuilds++
}

// Snapshot copies the current counter state for reporting.
func (m *RuntimeMetrics) Snapshot() EngineMetricsSnapshot {
	if m == nil {
		return EngineMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := EngineMetricsSnapshot{
		TicksBySource:   make(map[string]int64, len(m.snapshot.TicksBySource)),
		DroppedTicks:    make(map[string]int64, len(m.snapshot.DroppedTicks)),
		TriggerHits:     make(map[string]int64, len(m.snapshot.TriggerHits)),
		DebounceDrops:   m.snapshot.DebounceDrops,
		DispatchErrors:  m.snapshot.DispatchErrors,
		IndexRebuilds:   m.snapshot.IndexRebuilds,
		IndexRebuildErr: m.snapshot.IndexRebuildErr,
	}
	for k, v := range m.snapshot.TicksBySource {
		snapshot.TicksBySource[k] = v
	}
	for k, v := range m.snapshot.DroppedTicks {
		snapshot.DroppedTicks[k] = v
	}
	for k, v := range m.snapshot.TriggerHits {
		snapshot.TriggerHits[k] = v
	}
	return snapshot
}
