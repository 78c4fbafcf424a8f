package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/domain/signalstore"
)

// view is the kind-neutral working copy of one locked entity. Transition code
// mutates it through apply so the trigger source and notices built after the
// commit read the state that was actually written.
type view struct {
	kind         signal.EntityKind
	id           uuid.UUID
	ownerID      uuid.UUID
	symbol       string
	side         signal.Side
	status       signal.Status
	orderType    signal.OrderType
	entry        decimal.Decimal
	stopLoss     decimal.Decimal
	targets      []signal.Target
	openSize     decimal.Decimal
	realized     decimal.Decimal
	exitStrategy signal.ExitStrategy
	profitStop   signal.ProfitStop
	shadow       bool

	rec   *signal.Recommendation
	trade *signal.UserTrade
}

func viewOfRecommendation(rec *signal.Recommendation) *view {
	return &view{
		kind:         signal.KindRecommendation,
		id:           rec.ID,
		ownerID:      rec.AnalystID,
		symbol:       rec.Symbol,
		side:         rec.Side,
		status:       rec.Status,
		orderType:    rec.OrderType,
		entry:        rec.Entry,
		stopLoss:     rec.StopLoss,
		targets:      rec.Targets,
		openSize:     rec.OpenSizePercent,
		realized:     rec.RealizedPnL,
		exitStrategy: rec.ExitStrategy,
		profitStop:   rec.ProfitStop,
		shadow:       rec.IsShadow,
		rec:          rec,
	}
}

func viewOfUserTrade(trade *signal.UserTrade) *view {
	return &view{
		kind:         signal.KindUserTrade,
		id:           trade.ID,
		ownerID:      trade.UserID,
		symbol:       trade.Symbol,
		side:         trade.Side,
		status:       trade.Status,
		orderType:    trade.OrderType,
		entry:        trade.Entry,
		stopLoss:     trade.StopLoss,
		targets:      trade.Targets,
		openSize:     trade.OpenSizePercent,
		realized:     trade.RealizedPnL,
		exitStrategy: trade.ExitStrategy,
		profitStop:   trade.ProfitStop,
		trade:        trade,
	}
}

func (v *view) triggerSource() signal.TriggerSource {
	return signal.TriggerSource{
		Kind:       v.kind,
		ID:         v.id,
		OwnerID:    v.ownerID,
		Symbol:     v.symbol,
		Side:       v.side,
		Status:     v.status,
		OrderType:  v.orderType,
		Entry:      v.entry,
		StopLoss:   v.stopLoss,
		Targets:    v.targets,
		ProfitStop: v.profitStop,
	}
}

// validateLevels re-runs entity validation with the given levels substituted.
func (v *view) validateLevels(entry, stopLoss decimal.Decimal) error {
	if v.kind == signal.KindUserTrade {
		probe := *v.trade
		probe.Entry = entry
		probe.StopLoss = stopLoss
		probe.Targets = v.targets
		return probe.Validate()
	}
	probe := *v.rec
	probe.Entry = entry
	probe.StopLoss = stopLoss
	probe.Targets = v.targets
	return probe.Validate()
}

// changes accumulates the column writes of one transition. Nil fields stay
// untouched on the row.
type changes struct {
	status       *signal.Status
	entry        *decimal.Decimal
	stopLoss     *decimal.Decimal
	targets      []signal.Target
	openSize     *decimal.Decimal
	realized     *decimal.Decimal
	exitStrategy *signal.ExitStrategy
	profitStop   *signal.ProfitStop
	exitPrice    *decimal.Decimal
	activatedAt  *int64
	closedAt     *int64
}

// apply folds the accumulated changes into the working copy so later steps in
// the same transition observe them.
func (v *view) apply(ch *changes) {
	if ch.status != nil {
		v.status = *ch.status
	}
	if ch.entry != nil {
		v.entry = *ch.entry
	}
	if ch.stopLoss != nil {
		v.stopLoss = *ch.stopLoss
	}
	if ch.targets != nil {
		v.targets = ch.targets
	}
	if ch.openSize != nil {
		v.openSize = *ch.openSize
	}
	if ch.realized != nil {
		v.realized = *ch.realized
	}
	if ch.exitStrategy != nil {
		v.exitStrategy = *ch.exitStrategy
	}
	if ch.profitStop != nil {
		v.profitStop = *ch.profitStop
	}
}

// ops binds one transaction to one entity kind so transition code stays
// kind-neutral.
type ops struct {
	kind signal.EntityKind
	tx   signalstore.Tx
}

func (o ops) lock(ctx context.Context, id uuid.UUID) (*view, error) {
	if o.kind == signal.KindUserTrade {
		trade, err := o.tx.LockUserTrade(ctx, id)
		if err != nil {
			return nil, err
		}
		return viewOfUserTrade(trade), nil
	}
	rec, err := o.tx.LockRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewOfRecommendation(rec), nil
}

func (o ops) update(ctx context.Context, id uuid.UUID, ch *changes) error {
	if o.kind == signal.KindUserTrade {
		return o.tx.UpdateUserTrade(ctx, signalstore.UserTradeUpdate{
			ID:              id,
			Status:          ch.status,
			Entry:           ch.entry,
			StopLoss:        ch.stopLoss,
			Targets:         ch.targets,
			OpenSizePercent: ch.openSize,
			RealizedPnL:     ch.realized,
			ExitStrategy:    ch.exitStrategy,
			ProfitStop:      ch.profitStop,
			ExitPrice:       ch.exitPrice,
			ActivatedAt:     ch.activatedAt,
			ClosedAt:        ch.closedAt,
		})
	}
	return o.tx.UpdateRecommendation(ctx, signalstore.RecommendationUpdate{
		ID:              id,
		Status:          ch.status,
		Entry:           ch.entry,
		StopLoss:        ch.stopLoss,
		Targets:         ch.targets,
		OpenSizePercent: ch.openSize,
		RealizedPnL:     ch.realized,
		ExitStrategy:    ch.exitStrategy,
		ProfitStop:      ch.profitStop,
		ExitPrice:       ch.exitPrice,
		ActivatedAt:     ch.activatedAt,
		ClosedAt:        ch.closedAt,
	})
}

func (o ops) append(ctx context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error {
	if o.kind == signal.KindUserTrade {
		return o.tx.AppendUserTradeEvent(ctx, id, eventType, payload)
	}
	return o.tx.AppendRecommendationEvent(ctx, id, eventType, payload)
}

func (o ops) has(ctx context.Context, id uuid.UUID, eventType signal.EventType) (bool, error) {
	if o.kind == signal.KindUserTrade {
		return o.tx.HasUserTradeEvent(ctx, id, eventType)
	}
	return o.tx.HasRecommendationEvent(ctx, id, eventType)
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func statusPtr(s signal.Status) *signal.Status { return &s }

func unixPtr(t time.Time) *int64 {
	unix := t.Unix()
	return &unix
}
