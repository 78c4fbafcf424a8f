// Package lifecycle is the sole mutator of recommendations and user trades.
// Every operation locks the row, revalidates the transition against the
// current state, writes the state and event rows in one transaction, and on
// commit refreshes the trigger index and fans out notifications.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/domain/signalstore"
	"github.com/volitrade/sentinel/lib/async"
)

const component = "app/lifecycle"

// TriggerIndex is the write side of the in-memory trigger index; the service
// refreshes it after every committed transition.
type TriggerIndex interface {
	Put(src signal.TriggerSource)
	Remove(kind signal.EntityKind, id uuid.UUID)
}

// Config tunes the lifecycle service.
type Config struct {
	// BreakevenBufferBps shifts the break-even stop past the entry by this
	// many basis points on the profit side. Zero means 5.
	BreakevenBufferBps int64

	// StoreTimeout bounds each mutation transaction. Zero means 5s.
	StoreTimeout time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

const (
	defaultBreakevenBufferBps = 5
	defaultStoreTimeout       = 5 * time.Second
)

var hundredPercent = decimal.NewFromInt(100)

// Service applies lifecycle transitions. It satisfies the evaluator's
// dispatch contract; manual operations share the same locking discipline.
type Service struct {
	store    signalstore.Store
	index    TriggerIndex
	notifier notify.Notifier
	tasks    *async.Pool
	buffer   int64
	timeout  time.Duration
	now      func() time.Time
	metrics  *transitionMetrics
}

// New wires the lifecycle service. tasks carries notification fan-out and may
// be nil, in which case notices are delivered inline.
func New(store signalstore.Store, index TriggerIndex, notifier notify.Notifier, tasks *async.Pool, cfg Config) *Service {
	buffer := cfg.BreakevenBufferBps
	if buffer <= 0 {
		buffer = defaultBreakevenBufferBps
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		store:    store,
		index:    index,
		notifier: notifier,
		tasks:    tasks,
		buffer:   buffer,
		timeout:  timeout,
		now:      now,
		metrics:  newTransitionMetrics(),
	}
}

// result carries what one committed transition must fan out.
type result struct {
	state   *view
	notices []string
	noop    bool
}

type transitionFn func(ctx context.Context, o ops, v *view, res *result) error

// run executes one transition under the row lock and, on commit, refreshes
// the index and schedules the notices. event names the transition in metrics.
func (s *Service) run(ctx context.Context, kind signal.EntityKind, id uuid.UUID, event signal.EventType, fn transitionFn) error {
	res := &result{}
	txCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.store.WithTransaction(txCtx, func(ctx context.Context, tx signalstore.Tx) error {
		o := ops{kind: kind, tx: tx}
		v, err := o.lock(ctx, id)
		if err != nil {
			return err
		}
		res.state = v
		return fn(ctx, o, v, res)
	})
	cancel()
	if err != nil {
		s.metrics.record(ctx, kind, event, "error")
		return s.storeErr(kind, id, err)
	}
	if res.noop {
		s.metrics.record(ctx, kind, event, "noop")
		return nil
	}
	s.metrics.record(ctx, kind, event, "applied")
	s.refresh(res.state)
	s.dispatchNotices(ctx, res)
	return nil
}

// refresh folds the committed state back into the trigger index. Shadow
// recommendations stay out until the publish task clears the flag.
func (s *Service) refresh(v *view) {
	if s.index == nil || v == nil || v.shadow {
		return
	}
	s.index.Put(v.triggerSource())
}

func (s *Service) storeErr(kind signal.EntityKind, id uuid.UUID, err error) error {
	if errors.Is(err, signalstore.ErrNotFound) {
		return errs.New(component, errs.KindNotFound,
			errs.WithEntity(string(kind), id.String()), errs.WithCause(err))
	}
	var typed *errs.E
	if errors.As(err, &typed) {
		return err
	}
	return errs.New(component, errs.KindTransient,
		errs.WithEntity(string(kind), id.String()), errs.WithCause(err))
}

// Activate fills a pending entry at price. Entities already past the pending
// state no-op; the crossing was raced by another source or an operator.
func (s *Service) Activate(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error {
	return s.run(ctx, kind, id, signal.EventActivated, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.AwaitsEntry() {
			res.noop = true
			return nil
		}
		seen, err := o.has(ctx, v.id, signal.EventActivated)
		if err != nil {
			return err
		}
		if seen {
			res.noop = true
			return nil
		}
		payload := signal.PricePayload(price)
		payload.Source = string(source)
		if err := o.append(ctx, v.id, signal.EventActivated, payload); err != nil {
			return err
		}
		ch := &changes{
			status:      statusPtr(signal.ActiveStatus(v.kind)),
			activatedAt: unixPtr(s.now()),
		}
		v.apply(ch)
		if err := o.update(ctx, v.id, ch); err != nil {
			return err
		}
		res.notices = append(res.notices, notify.ActivatedText(price))
		return nil
	})
}

// Invalidate closes a pending entity whose stop was crossed before the entry
// filled. The exit records at the stop price; no PnL is realized.
func (s *Service) Invalidate(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error {
	return s.run(ctx, kind, id, signal.EventInvalidated, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.AwaitsEntry() {
			res.noop = true
			return nil
		}
		seen, err := o.has(ctx, v.id, signal.EventInvalidated)
		if err != nil {
			return err
		}
		if seen {
			res.noop = true
			return nil
		}
		payload := signal.PricePayload(price)
		payload.Source = string(source)
		if err := o.append(ctx, v.id, signal.EventInvalidated, payload); err != nil {
			return err
		}
		ch := &changes{
			status:    statusPtr(signal.StatusClosed),
			openSize:  decPtr(decimal.Zero),
			exitPrice: decPtr(price),
			closedAt:  unixPtr(s.now()),
		}
		if v.profitStop.Active {
			stop := v.profitStop
			stop.Active = false
			ch.profitStop = &stop
		}
		v.apply(ch)
		if err := o.update(ctx, v.id, ch); err != nil {
			return err
		}
		res.notices = append(res.notices, notify.InvalidatedText(price))
		return nil
	})
}

// TakeProfitHit records the nth take-profit crossing, reduces the position by
// the target's close share, and finalizes the entity when the exit strategy
// or the residual rule says so. The event log is the idempotency arbiter: a
// second dispatch of the same target no-ops.
func (s *Service) TakeProfitHit(ctx context.Context, kind signal.EntityKind, id uuid.UUID, target int, price decimal.Decimal, source market.Source) error {
	return s.run(ctx, kind, id, signal.TPHit(target), func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.Open() || target < 1 || target > len(v.targets) {
			res.noop = true
			return nil
		}
		seen, err := o.has(ctx, v.id, signal.TPHit(target))
		if err != nil {
			return err
		}
		if seen {
			res.noop = true
			return nil
		}
		payload := signal.PricePayload(price)
		payload.Target = target
		payload.Source = string(source)
		if err := o.append(ctx, v.id, signal.TPHit(target), payload); err != nil {
			return err
		}
		ch := &changes{}
		if share := v.targets[target-1].ClosePercent; share.IsPositive() {
			if _, err := reduceBy(ctx, o, v, ch, share, price, source); err != nil {
				return err
			}
		}
		res.notices = append(res.notices, notify.TakeProfitText(target, price, v.realized))
		switch {
		case v.exitStrategy == signal.ExitCloseAtFinalTP && target == len(v.targets):
			if err := s.closeInto(ctx, o, v, res, ch, signal.CloseAutoFinalTP, price, source); err != nil {
				return err
			}
		case v.openSize.LessThan(signal.ResidualCloseThreshold):
			if err := s.closeInto(ctx, o, v, res, ch, signal.CloseViaPartial, price, source); err != nil {
				return err
			}
		}
		return o.update(ctx, v.id, ch)
	})
}

// StopLossHit closes an open position at the stop price.
func (s *Service) StopLossHit(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error {
	return s.run(ctx, kind, id, signal.EventSLHit, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.Open() {
			res.noop = true
			return nil
		}
		payload := signal.PricePayload(price)
		payload.Source = string(source)
		if err := o.append(ctx, v.id, signal.EventSLHit, payload); err != nil {
			return err
		}
		ch := &changes{}
		if err := s.closeInto(ctx, o, v, res, ch, signal.CloseSLHit, price, source); err != nil {
			return err
		}
		return o.update(ctx, v.id, ch)
	})
}

// ProfitStopHit closes an open position at the in-profit stop.
func (s *Service) ProfitStopHit(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal, source market.Source) error {
	return s.run(ctx, kind, id, signal.EventProfitStopHit, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.Open() {
			res.noop = true
			return nil
		}
		payload := signal.PricePayload(price)
		payload.Source = string(source)
		if err := o.append(ctx, v.id, signal.EventProfitStopHit, payload); err != nil {
			return err
		}
		ch := &changes{}
		if err := s.closeInto(ctx, o, v, res, ch, signal.CloseProfitStop, price, source); err != nil {
			return err
		}
		return o.update(ctx, v.id, ch)
	})
}

// reduceBy closes percent of the full position at exit and appends PARTIAL.
// The requested percent is clamped to the current open size; the clamped
// value is returned for the notice text.
func reduceBy(ctx context.Context, o ops, v *view, ch *changes, percent, exit decimal.Decimal, source market.Source) (decimal.Decimal, error) {
	if percent.GreaterThan(v.openSize) {
		percent = v.openSize
	}
	part := signal.PartPnL(v.side, v.entry, exit)
	ch.openSize = decPtr(v.openSize.Sub(percent))
	ch.realized = decPtr(v.realized.Add(signal.WeightedPnL(percent, part)))
	v.apply(ch)
	payload := signal.PartialPayload(percent, exit, part)
	payload.Source = string(source)
	if err := o.append(ctx, v.id, signal.EventPartial, payload); err != nil {
		return decimal.Decimal{}, err
	}
	return percent, nil
}

// closeInto finalizes the position at exit: realizes the remainder, zeroes
// the open size, deactivates the profit stop, and appends FINAL_CLOSE.
// Callers persist the accumulated changes afterwards.
func (s *Service) closeInto(ctx context.Context, o ops, v *view, res *result, ch *changes, reason signal.CloseReason, exit decimal.Decimal, source market.Source) error {
	if v.status.Open() && v.openSize.IsPositive() {
		part := signal.PartPnL(v.side, v.entry, exit)
		ch.realized = decPtr(v.realized.Add(signal.WeightedPnL(v.openSize, part)))
	}
	ch.status = statusPtr(signal.StatusClosed)
	ch.openSize = decPtr(decimal.Zero)
	ch.exitPrice = decPtr(exit)
	ch.closedAt = unixPtr(s.now())
	if v.profitStop.Active {
		stop := v.profitStop
		stop.Active = false
		ch.profitStop = &stop
	}
	v.apply(ch)
	payload := signal.ClosePayload(reason, exit, v.realized)
	payload.Source = string(source)
	if err := o.append(ctx, v.id, signal.EventFinalClose, payload); err != nil {
		return err
	}
	res.notices = append(res.notices, notify.ClosedText(reason, exit, v.realized))
	return nil
}
