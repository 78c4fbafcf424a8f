// Package evaluator matches ticks against armed triggers and dispatches the
// corresponding lifecycle transitions. It holds only ephemeral state (debounce
// stamps, trailing watermarks); entity mutation is the lifecycle service's job.
package evaluator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/observability"
)

// TickSource hands out buffered ticks; the second return is false once the
// context ended the wait.
type TickSource interface {
	Dequeue(ctx context.Context) (market.Tick, bool)
}

// TriggerView is the read side of the trigger index.
type TriggerView interface {
	Snapshot(symbol string) []signal.Trigger
	Generation() uint64
}

// Lifecycle receives trigger crossings. Implementations must be idempotent:
// the evaluator can re-dispatch the same crossing after the debounce window
// or from a second source.
type Lifecycle interface {
	Activate(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error
	Invalidate(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error
	StopLossHit(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error
	ProfitStopHit(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error
	TakeProfitHit(ctx context.Context, kind signal.EntityKind, id uuid.UUID, target int, price decimal.Decimal, source market.Source) error
}

// Config tunes evaluation behaviour.
type Config struct {
	// DebounceWindow suppresses re-dispatch of the same (entity, trigger)
	// crossing for this long after a successful dispatch. Zero means 1s.
	DebounceWindow time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

const (
	defaultDebounceWindow = time.Second

	// debouncePruneSize bounds the dispatch-stamp map; beyond it stale
	// entries are swept after each tick.
	debouncePruneSize = 4096
)

type watermarkKey struct {
	kind signal.EntityKind
	id   uuid.UUID
}

// Evaluator is the single tick consumer. All mutable fields are confined to
// the Run goroutine; Evaluate must not be called concurrently.
type Evaluator struct {
	ticks     TickSource
	triggers  TriggerView
	lifecycle Lifecycle
	window    time.Duration
	now       func() time.Time
	runtime   *observability.RuntimeMetrics
	metrics   *evalMetrics

	lastDispatch map[signal.DispatchKey]time.Time
	watermarks   map[watermarkKey]decimal.Decimal
	generation   uint64
}

// New wires an evaluator. runtime may be nil.
func New(ticks TickSource, triggers TriggerView, lifecycle Lifecycle, cfg Config, runtime *observability.RuntimeMetrics) *Evaluator {
	window := cfg.DebounceWindow
	if window <= 0 {
		window = defaultDebounceWindow
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		ticks:        ticks,
		triggers:     triggers,
		lifecycle:    lifecycle,
		window:       window,
		now:          now,
		runtime:      runtime,
		metrics:      newEvalMetrics(),
		lastDispatch: make(map[signal.DispatchKey]time.Time),
		watermarks:   make(map[watermarkKey]decimal.Decimal),
	}
}

// Run consumes ticks until ctx terminates. One tick is fully evaluated
// before the next is dequeued.
func (e *Evaluator) Run(ctx context.Context) error {
	for {
		tick, ok := e.ticks.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		e.Evaluate(ctx, tick)
	}
}

// Evaluate runs one tick against the armed triggers for its symbol in fixed
// order: ENTRY, SL, PROFIT_STOP, then take-profits ascending. Dispatch
// failures are logged and do not stop the remaining triggers.
func (e *Evaluator) Evaluate(ctx context.Context, tick market.Tick) {
	e.maybeReseed()

	triggers := e.triggers.Snapshot(tick.Symbol)
	if len(triggers) == 0 {
		return
	}
	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].EvalRank() < triggers[j].EvalRank()
	})

	fired := make(map[signal.DispatchKey]struct{}, 2)
	for _, trig := range triggers {
		price := trig.Price
		if trig.Type == signal.TriggerProfitStop && trig.Trailing {
			price = e.trailingStop(trig, tick)
		}
		if !crossed(tick, trig, price) {
			continue
		}

		key := trig.Key()
		if _, dup := fired[key]; dup {
			continue
		}
		fired[key] = struct{}{}

		if e.debounced(key) {
			e.runtime.RecordDebounceDrop()
			e.metrics.recordDebounceDrop(ctx, trig)
			continue
		}

		if err := e.dispatch(ctx, tick, trig, price); err != nil {
			e.runtime.RecordDispatchError()
			e.metrics.recordDispatchError(ctx, trig)
			observability.Log().Error("trigger dispatch failed",
				observability.F("error", err),
				observability.F("kind", string(trig.Kind)),
				observability.F("entity", trig.EntityID.String()),
				observability.F("type", string(trig.Type)),
				observability.F("symbol", tick.Symbol),
			)
			continue
		}

		e.lastDispatch[key] = e.now()
		e.runtime.RecordTriggerHit(string(trig.Type))
		e.metrics.recordHit(ctx, trig)
	}

	e.pruneDebounce()
}

func (e *Evaluator) dispatch(ctx context.Context, tick market.Tick, trig signal.Trigger, price decimal.Decimal) error {
	switch trig.Type {
	case signal.TriggerEntry:
		// A tick wide enough to cross both entry and stop invalidates the
		// pending entity instead of activating it.
		if stopCrossed(tick, trig.Side, trig.StopLoss) {
			return e.lifecycle.Invalidate(ctx, trig.Kind, trig.EntityID, trig.StopLoss, tick.Source)
		}
		return e.lifecycle.Activate(ctx, trig.Kind, trig.EntityID, price, tick.Source)
	case signal.TriggerSL:
		return e.lifecycle.StopLossHit(ctx, trig.Kind, trig.EntityID, price, tick.Source)
	case signal.TriggerProfitStop:
		return e.lifecycle.ProfitStopHit(ctx, trig.Kind, trig.EntityID, price, tick.Source)
	case signal.TriggerTP:
		return e.lifecycle.TakeProfitHit(ctx, trig.Kind, trig.EntityID, trig.Target, price, tick.Source)
	default:
		return errs.New("evaluator", errs.KindValidation,
			errs.WithMessage("unknown trigger type "+string(trig.Type)))
	}
}

// trailingStop folds the tick into the entity's favourable-extreme watermark
// and returns the stop it implies. The watermark only ratchets in the
// favourable direction; the configured price acts as the floor.
func (e *Evaluator) trailingStop(trig signal.Trigger, tick market.Tick) decimal.Decimal {
	key := watermarkKey{kind: trig.Kind, id: trig.EntityID}
	mark, ok := e.watermarks[key]
	if trig.Side == signal.SideLong {
		if !ok || tick.High.GreaterThan(mark) {
			mark = tick.High
		}
	} else {
		if !ok || tick.Low.LessThan(mark) {
			mark = tick.Low
		}
	}
	e.watermarks[key] = mark
	return signal.EffectiveTrailingStop(trig.Side, mark, trig.TrailValue, trig.TrailUnit, trig.Price)
}

func (e *Evaluator) debounced(key signal.DispatchKey) bool {
	last, ok := e.lastDispatch[key]
	if !ok {
		return false
	}
	return e.now().Sub(last) < e.window
}

// maybeReseed drops trailing watermarks when the index generation moves: a
// full rebuild may have added, removed, or re-based profit stops underneath.
func (e *Evaluator) maybeReseed() {
	gen := e.triggers.Generation()
	if gen == e.generation {
		return
	}
	e.generation = gen
	e.watermarks = make(map[watermarkKey]decimal.Decimal)
}

func (e *Evaluator) pruneDebounce() {
	if len(e.lastDispatch) < debouncePruneSize {
		return
	}
	cutoff := e.now().Add(-10 * e.window)
	for key, at := range e.lastDispatch {
		if at.Before(cutoff) {
			delete(e.lastDispatch, key)
		}
	}
}
