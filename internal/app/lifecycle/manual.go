package lifecycle

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
)

func validation(msg string) error {
	return errs.New(component, errs.KindValidation, errs.WithMessage(msg))
}

// Close finalizes the position at exit with MANUAL_CLOSE. Closing an entity
// that already reached its terminal state is an idempotent success; the
// existing close stands and no second event is written.
func (s *Service) Close(ctx context.Context, kind signal.EntityKind, id uuid.UUID, exit decimal.Decimal) error {
	if !exit.IsPositive() {
		return validation("exit price must be positive")
	}
	return s.run(ctx, kind, id, signal.EventFinalClose, func(ctx context.Context, o ops, v *view, res *result) error {
		if v.status.Terminal() {
			res.noop = true
			return nil
		}
		ch := &changes{}
		if err := s.closeInto(ctx, o, v, res, ch, signal.CloseManual, exit, ""); err != nil {
			return err
		}
		return o.update(ctx, v.id, ch)
	})
}

// PartialClose reduces the open position by percent at exit. The reduction is
// clamped to the current open size; a residual below the close threshold
// finalizes the position.
func (s *Service) PartialClose(ctx context.Context, kind signal.EntityKind, id uuid.UUID, percent, exit decimal.Decimal) error {
	if !percent.IsPositive() || percent.GreaterThan(hundredPercent) {
		return validation("close percent must be within (0,100]")
	}
	if !exit.IsPositive() {
		return validation("exit price must be positive")
	}
	return s.run(ctx, kind, id, signal.EventPartial, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.Open() {
			return validation("partial close requires an open position")
		}
		ch := &changes{}
		applied, err := reduceBy(ctx, o, v, ch, percent, exit, "")
		if err != nil {
			return err
		}
		res.notices = append(res.notices, notify.PartialCloseText(applied, exit, v.realized))
		if v.openSize.LessThan(signal.ResidualCloseThreshold) {
			if err := s.closeInto(ctx, o, v, res, ch, signal.CloseViaPartial, exit, ""); err != nil {
				return err
			}
		}
		return o.update(ctx, v.id, ch)
	})
}

// UpdateStopLoss moves the stop. Pending entities revalidate the stop side
// against the entry; open positions accept any positive level so break-even
// and trailing adjustments may cross the entry.
func (s *Service) UpdateStopLoss(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal) error {
	if !price.IsPositive() {
		return validation("stop loss must be positive")
	}
	return s.run(ctx, kind, id, signal.EventSLUpdated, func(ctx context.Context, o ops, v *view, res *result) error {
		if v.status.Terminal() {
			return validation("cannot update a closed entity")
		}
		if v.stopLoss.Equal(price) {
			res.noop = true
			return nil
		}
		if v.status.AwaitsEntry() {
			if err := v.validateLevels(v.entry, price); err != nil {
				return err
			}
		}
		return s.moveStop(ctx, o, v, res, price)
	})
}

// UpdateEntry moves the entry while the fill is still pending.
func (s *Service) UpdateEntry(ctx context.Context, kind signal.EntityKind, id uuid.UUID, price decimal.Decimal) error {
	if !price.IsPositive() {
		return validation("entry must be positive")
	}
	return s.run(ctx, kind, id, signal.EventEntryUpdated, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.AwaitsEntry() {
			return validation("entry can only change while the fill is pending")
		}
		if v.entry.Equal(price) {
			res.noop = true
			return nil
		}
		if err := v.validateLevels(price, v.stopLoss); err != nil {
			return err
		}
		previous := v.entry
		ch := &changes{entry: decPtr(price)}
		v.apply(ch)
		if err := o.append(ctx, v.id, signal.EventEntryUpdated, signal.UpdatePayload(previous, price)); err != nil {
			return err
		}
		if err := o.update(ctx, v.id, ch); err != nil {
			return err
		}
		res.notices = append(res.notices, notify.EntryMovedText(previous, price))
		return nil
	})
}

// UpdateTargets replaces the take-profit ladder. Hit events for already
// filled ordinals stay in the log and keep marking their positions.
func (s *Service) UpdateTargets(ctx context.Context, kind signal.EntityKind, id uuid.UUID, targets []signal.Target) error {
	if targets == nil {
		targets = []signal.Target{}
	}
	return s.run(ctx, kind, id, signal.EventTPUpdated, func(ctx context.Context, o ops, v *view, res *result) error {
		if v.status.Terminal() {
			return validation("cannot update a closed entity")
		}
		if err := signal.ValidateTargets(v.side, v.entry, targets); err != nil {
			return err
		}
		ch := &changes{targets: targets}
		v.apply(ch)
		payload := signal.EventPayload{Note: strconv.Itoa(len(targets)) + " targets"}
		if err := o.append(ctx, v.id, signal.EventTPUpdated, payload); err != nil {
			return err
		}
		if err := o.update(ctx, v.id, ch); err != nil {
			return err
		}
		res.notices = append(res.notices, notify.TargetsUpdatedText(targets))
		return nil
	})
}

// SetExitStrategy switches between auto-close on the final target and manual
// close only. Switching after the final target already filled does not close
// retroactively.
func (s *Service) SetExitStrategy(ctx context.Context, kind signal.EntityKind, id uuid.UUID, strategy signal.ExitStrategy) error {
	switch strategy {
	case signal.ExitCloseAtFinalTP, signal.ExitManualCloseOnly:
	default:
		return validation("unknown exit strategy " + string(strategy))
	}
	return s.run(ctx, kind, id, signal.EventExitUpdated, func(ctx context.Context, o ops, v *view, res *result) error {
		if v.status.Terminal() {
			return validation("cannot update a closed entity")
		}
		if v.exitStrategy == strategy {
			res.noop = true
			return nil
		}
		ch := &changes{exitStrategy: &strategy}
		v.apply(ch)
		if err := o.append(ctx, v.id, signal.EventExitUpdated, signal.EventPayload{Note: string(strategy)}); err != nil {
			return err
		}
		if err := o.update(ctx, v.id, ch); err != nil {
			return err
		}
		res.notices = append(res.notices, notify.ExitStrategyText(strategy))
		return nil
	})
}

// MoveStopToBreakEven moves the stop to the entry shifted by the configured
// fee buffer on the profit side. A stop already at or past break-even no-ops.
func (s *Service) MoveStopToBreakEven(ctx context.Context, kind signal.EntityKind, id uuid.UUID) error {
	return s.run(ctx, kind, id, signal.EventSLUpdated, func(ctx context.Context, o ops, v *view, res *result) error {
		if !v.status.Open() {
			return validation("break-even requires an open position")
		}
		price := signal.BreakEvenPrice(v.side, v.entry, s.buffer)
		past := v.stopLoss.GreaterThanOrEqual(price)
		if v.side == signal.SideShort {
			past = v.stopLoss.LessThanOrEqual(price)
		}
		if past {
			res.noop = true
			return nil
		}
		return s.moveStop(ctx, o, v, res, price)
	})
}

func (s *Service) moveStop(ctx context.Context, o ops, v *view, res *result, price decimal.Decimal) error {
	previous := v.stopLoss
	ch := &changes{stopLoss: decPtr(price)}
	v.apply(ch)
	if err := o.append(ctx, v.id, signal.EventSLUpdated, signal.UpdatePayload(previous, price)); err != nil {
		return err
	}
	if err := o.update(ctx, v.id, ch); err != nil {
		return err
	}
	res.notices = append(res.notices, notify.StopMovedText(previous, price))
	return nil
}
