package signal

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TriggerType names the price predicate a trigger evaluates.
type TriggerType string

const (
	// TriggerEntry waits for the entry fill on a pending entity.
	TriggerEntry TriggerType = "ENTRY"
	// TriggerSL waits for the stop-loss on an open position.
	TriggerSL TriggerType = "SL"
	// TriggerProfitStop waits for the in-profit stop on an open position.
	TriggerProfitStop TriggerType = "PROFIT_STOP"
	// TriggerTP waits for one take-profit level; Target carries the ordinal.
	TriggerTP TriggerType = "TP"
)

// DispatchKey identifies a (entity, trigger) pair for debounce and
// once-per-tick bookkeeping.
type DispatchKey struct {
	Kind     EntityKind
	EntityID uuid.UUID
	Type     TriggerType
	Target   int
}

// Trigger is a derived, in-memory price predicate. Triggers are never
// persisted; the index recomputes them from authoritative state.
type Trigger struct {
	Kind     EntityKind
	EntityID uuid.UUID
	OwnerID  uuid.UUID
	Symbol   string
	Side     Side
	Type     TriggerType
	Target   int
	Price    decimal.Decimal

	// OrderType and StopLoss are set on ENTRY triggers only: the order type
	// selects the cross direction, the stop level detects invalidation when
	// one tick crosses both entry and stop.
	OrderType OrderType
	StopLoss  decimal.Decimal

	// Trail fields are set on TRAILING profit stops only.
	TrailValue decimal.Decimal
	TrailUnit  TrailUnit
	Trailing   bool
}

// Key returns the trigger's dispatch identity.
func (t Trigger) Key() DispatchKey {
	return DispatchKey{Kind: t.Kind, EntityID: t.EntityID, Type: t.Type, Target: t.Target}
}

// EvalRank orders triggers within one tick: ENTRY, SL, PROFIT_STOP, then
// take-profits ascending.
func (t Trigger) EvalRank() int {
	switch t.Type {
	case TriggerEntry:
		return 0
	case TriggerSL:
		return 1
	case TriggerProfitStop:
		return 2
	case TriggerTP:
		return 3 + t.Target
	default:
		return 1 << 16
	}
}

// TriggerSource is the authoritative-state projection trigger derivation
// consumes. The store snapshot returns these rows directly; lifecycle builds
// them from freshly committed entities.
type TriggerSource struct {
	Kind       EntityKind
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Symbol     string
	Side       Side
	Status     Status
	OrderType  OrderType
	Entry      decimal.Decimal
	StopLoss   decimal.Decimal
	Targets    []Target
	ProfitStop ProfitStop
}

// TriggerSource projects the recommendation for trigger derivation.
func (r *Recommendation) TriggerSource() TriggerSource {
	return TriggerSource{
		Kind:       KindRecommendation,
		ID:         r.ID,
		OwnerID:    r.AnalystID,
		Symbol:     r.Symbol,
		Side:       r.Side,
		Status:     r.Status,
		OrderType:  r.OrderType,
		Entry:      r.Entry,
		StopLoss:   r.StopLoss,
		Targets:    r.Targets,
		ProfitStop: r.ProfitStop,
	}
}

// TriggerSource projects the user trade for trigger derivation.
func (t *UserTrade) TriggerSource() TriggerSource {
	return TriggerSource{
		Kind:       KindUserTrade,
		ID:         t.ID,
		OwnerID:    t.UserID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Status:     t.Status,
		OrderType:  t.OrderType,
		Entry:      t.Entry,
		StopLoss:   t.StopLoss,
		Targets:    t.Targets,
		ProfitStop: t.ProfitStop,
	}
}

// DeriveOptions gates optional trigger families.
type DeriveOptions struct {
	// ProfitStopEnabled is the global kill switch for profit-stop triggers.
	ProfitStopEnabled bool
}

// DeriveTriggers computes the trigger set for one entity's current state.
// Pending states yield a single ENTRY trigger; open states yield SL, one TP
// per target, and the profit stop when configured, active, and globally
// enabled. Terminal and watchlist states yield none. Duplicate
// (type, target, price) combinations collapse to one trigger.
func DeriveTriggers(src TriggerSource, opts DeriveOptions) []Trigger {
	switch {
	case src.Status.AwaitsEntry():
		return []Trigger{{
			Kind:      src.Kind,
			EntityID:  src.ID,
			OwnerID:   src.OwnerID,
			Symbol:    src.Symbol,
			Side:      src.Side,
			Type:      TriggerEntry,
			Price:     src.Entry,
			OrderType: src.OrderType,
			StopLoss:  src.StopLoss,
		}}
	case src.Status.Open():
		out := make([]Trigger, 0, len(src.Targets)+2)
		out = append(out, Trigger{
			Kind:     src.Kind,
			EntityID: src.ID,
			OwnerID:  src.OwnerID,
			Symbol:   src.Symbol,
			Side:     src.Side,
			Type:     TriggerSL,
			Price:    src.StopLoss,
		})
		if opts.ProfitStopEnabled && src.ProfitStop.Enabled() {
			out = append(out, Trigger{
				Kind:       src.Kind,
				EntityID:   src.ID,
				OwnerID:    src.OwnerID,
				Symbol:     src.Symbol,
				Side:       src.Side,
				Type:       TriggerProfitStop,
				Price:      src.ProfitStop.Price,
				TrailValue: src.ProfitStop.Trail,
				TrailUnit:  src.ProfitStop.Unit,
				Trailing:   src.ProfitStop.Mode == ProfitStopTrailing,
			})
		}
		for i, target := range src.Targets {
			out = append(out, Trigger{
				Kind:     src.Kind,
				EntityID: src.ID,
				OwnerID:  src.OwnerID,
				Symbol:   src.Symbol,
				Side:     src.Side,
				Type:     TriggerTP,
				Target:   i + 1,
				Price:    target.Price,
			})
		}
		return dedupeTriggers(out)
	default:
		return nil
	}
}

func dedupeTriggers(triggers []Trigger) []Trigger {
	type identity struct {
		t     TriggerType
		n     int
		price string
	}
	seen := make(map[identity]struct{}, len(triggers))
	out := triggers[:0]
	for _, trig := range triggers {
		id := identity{t: trig.Type, n: trig.Target, price: trig.Price.String()}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, trig)
	}
	return out
}
