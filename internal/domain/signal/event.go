package signal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names one append-only lifecycle event. Take-profit hits are
// indexed (TP1_HIT, TP2_HIT, ...); use TPHit and ParseTPHit for those.
type EventType string

const (
	EventCreatedPending   EventType = "CREATED_PENDING"
	EventCreatedActive    EventType = "CREATED_ACTIVE"
	EventCreatedWatchlist EventType = "CREATED_WATCHLIST"
	EventActivated        EventType = "ACTIVATED"
	EventSLHit            EventType = "SL_HIT"
	EventProfitStopHit    EventType = "PROFIT_STOP_HIT"
	EventPartial          EventType = "PARTIAL"
	EventSLUpdated        EventType = "SL_UPDATED"
	EventEntryUpdated     EventType = "ENTRY_UPDATED"
	EventTPUpdated        EventType = "TP_UPDATED"
	EventExitUpdated      EventType = "EXIT_STRATEGY_UPDATED"
	EventInvalidated      EventType = "INVALIDATED"
	EventFinalClose       EventType = "FINAL_CLOSE"
)

// TPHit returns the event type for the nth take-profit, counted from 1.
func TPHit(n int) EventType {
	return EventType(fmt.Sprintf("TP%d_HIT", n))
}

// ParseTPHit extracts the target ordinal from a TP{n}_HIT event type.
func ParseTPHit(t EventType) (int, bool) {
	s := string(t)
	if !strings.HasPrefix(s, "TP") || !strings.HasSuffix(s, "_HIT") {
		return 0, false
	}
	n, err := strconv.Atoi(s[2 : len(s)-4])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// EventPayload carries the event-specific detail persisted as JSONB. Fields
// irrelevant to a given event type stay nil and are omitted on the wire.
type EventPayload struct {
	Price      *decimal.Decimal `json:"price,omitempty"`
	Previous   *decimal.Decimal `json:"previous,omitempty"`
	Percent    *decimal.Decimal `json:"percent,omitempty"`
	PnLPercent *decimal.Decimal `json:"pnl_percent,omitempty"`
	Target     int              `json:"target,omitempty"`
	Reason     CloseReason      `json:"reason,omitempty"`
	Source     string           `json:"source,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// Event is one append-only log row owned by its parent entity.
type Event struct {
	ID        int64
	EntityID  uuid.UUID
	Type      EventType
	Payload   EventPayload
	CreatedAt time.Time
}

// PricePayload builds a payload carrying only the crossing price.
func PricePayload(price decimal.Decimal) EventPayload {
	return EventPayload{Price: &price}
}

// ClosePayload builds the FINAL_CLOSE payload.
func ClosePayload(reason CloseReason, exit decimal.Decimal, pnl decimal.Decimal) EventPayload {
	return EventPayload{Reason: reason, Price: &exit, PnLPercent: &pnl}
}

// PartialPayload builds the PARTIAL payload for a partial close.
func PartialPayload(percent, exit, pnl decimal.Decimal) EventPayload {
	return EventPayload{Percent: &percent, Price: &exit, PnLPercent: &pnl}
}

// UpdatePayload builds a payload recording a changed price level.
func UpdatePayload(previous, next decimal.Decimal) EventPayload {
	return EventPayload{Previous: &previous, Price: &next}
}
