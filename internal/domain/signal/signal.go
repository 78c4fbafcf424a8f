// Package signal defines the trade-signal entities, their state taxonomy,
// the append-only event vocabulary, and trigger derivation.
package signal

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/market"
)

// EntityKind discriminates the two entity families sharing the lifecycle machinery.
type EntityKind string

const (
	// KindRecommendation identifies analyst-authored signals published to channels.
	KindRecommendation EntityKind = "recommendation"
	// KindUserTrade identifies personal tracking copies held by subscribers.
	KindUserTrade EntityKind = "user_trade"
)

// Side is the direction of a signal.
type Side string

const (
	// SideLong profits when price rises.
	SideLong Side = "LONG"
	// SideShort profits when price falls.
	SideShort Side = "SHORT"
)

// OrderType describes how the entry is meant to fill.
type OrderType string

const (
	// OrderMarket enters immediately at the live price.
	OrderMarket OrderType = "MARKET"
	// OrderLimit enters when price crosses the entry from the adverse side.
	OrderLimit OrderType = "LIMIT"
	// OrderStopMarket enters when price crosses the entry from the favourable side.
	OrderStopMarket OrderType = "STOP_MARKET"
)

// Status is the lifecycle state. Recommendations use PENDING/ACTIVE/CLOSED;
// user trades use WATCHLIST/PENDING_ACTIVATION/ACTIVATED/CLOSED.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusActive            Status = "ACTIVE"
	StatusClosed            Status = "CLOSED"
	StatusWatchlist         Status = "WATCHLIST"
	StatusPendingActivation Status = "PENDING_ACTIVATION"
	StatusActivated         Status = "ACTIVATED"
)

// AwaitsEntry reports whether the entity is still waiting for its entry fill.
func (s Status) AwaitsEntry() bool {
	return s == StatusPending || s == StatusPendingActivation
}

// Open reports whether the entity holds an open position.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusActivated
}

// Terminal reports whether the entity reached its immutable final state.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// ValidFor reports whether the status belongs to the entity kind's taxonomy.
func (s Status) ValidFor(kind EntityKind) bool {
	switch kind {
	case KindRecommendation:
		return s == StatusPending || s == StatusActive || s == StatusClosed
	case KindUserTrade:
		return s == StatusWatchlist || s == StatusPendingActivation || s == StatusActivated || s == StatusClosed
	default:
		return false
	}
}

// ActiveStatus returns the open-position status for the entity kind.
func ActiveStatus(kind EntityKind) Status {
	if kind == KindUserTrade {
		return StatusActivated
	}
	return StatusActive
}

// ExitStrategy controls automatic closure on the final take-profit.
type ExitStrategy string

const (
	// ExitCloseAtFinalTP closes the remaining position when the last target fills.
	ExitCloseAtFinalTP ExitStrategy = "CLOSE_AT_FINAL_TP"
	// ExitManualCloseOnly disables the final-target auto-close.
	ExitManualCloseOnly ExitStrategy = "MANUAL_CLOSE_ONLY"
)

// CloseReason records why a position reached CLOSED.
type CloseReason string

const (
	CloseAutoFinalTP CloseReason = "AUTO_CLOSE_FINAL_TP"
	CloseViaPartial  CloseReason = "CLOSED_VIA_PARTIAL"
	CloseSLHit       CloseReason = "SL_HIT"
	CloseProfitStop  CloseReason = "PROFIT_STOP"
	CloseManual      CloseReason = "MANUAL_CLOSE"
	CloseInvalidated CloseReason = "INVALIDATED"
)

// ProfitStopMode selects the profit-stop behaviour.
type ProfitStopMode string

const (
	// ProfitStopNone disables the profit stop.
	ProfitStopNone ProfitStopMode = "NONE"
	// ProfitStopFixed holds a static stop at the configured price.
	ProfitStopFixed ProfitStopMode = "FIXED"
	// ProfitStopTrailing ratchets the stop behind the favourable extreme.
	ProfitStopTrailing ProfitStopMode = "TRAILING"
)

// TrailUnit tags the trailing distance explicitly; magnitudes are never guessed.
type TrailUnit string

const (
	// TrailPercent interprets the trail value as a percent of the watermark.
	TrailPercent TrailUnit = "PERCENT"
	// TrailAbsolute interprets the trail value as an absolute price distance.
	TrailAbsolute TrailUnit = "ABSOLUTE"
)

// ProfitStop is the optional in-profit stop configuration.
type ProfitStop struct {
	Mode   ProfitStopMode  `json:"mode"`
	Price  decimal.Decimal `json:"price"`
	Trail  decimal.Decimal `json:"trail"`
	Unit   TrailUnit       `json:"unit,omitempty"`
	Active bool            `json:"active"`
}

// Enabled reports whether the profit stop currently yields a trigger.
func (p ProfitStop) Enabled() bool {
	return p.Active && (p.Mode == ProfitStopFixed || p.Mode == ProfitStopTrailing)
}

// Target is one take-profit level with the share of the position it closes.
type Target struct {
	Price        decimal.Decimal `json:"price"`
	ClosePercent decimal.Decimal `json:"close_percent"`
}

// Recommendation is an analyst's signal.
type Recommendation struct {
	ID              uuid.UUID
	AnalystID       uuid.UUID
	ChannelID       *int64
	Symbol          string
	Market          market.Market
	Side            Side
	Entry           decimal.Decimal
	StopLoss        decimal.Decimal
	Targets         []Target
	OrderType       OrderType
	Status          Status
	OpenSizePercent decimal.Decimal
	RealizedPnL     decimal.Decimal
	ExitStrategy    ExitStrategy
	ProfitStop      ProfitStop
	ExitPrice       *decimal.Decimal
	IsShadow        bool
	CreatedAt       time.Time
	ActivatedAt     *time.Time
	ClosedAt        *time.Time
	UpdatedAt       time.Time
}

// UserTrade is a subscriber's tracked copy of a signal.
type UserTrade struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	WatchedChannelID       *uuid.UUID
	SourceRecommendationID *uuid.UUID
	SourceForwardedText    string
	Symbol                 string
	Market                 market.Market
	Side                   Side
	Entry                  decimal.Decimal
	StopLoss               decimal.Decimal
	Targets                []Target
	OrderType              OrderType
	Status                 Status
	OpenSizePercent        decimal.Decimal
	RealizedPnL            decimal.Decimal
	ExitStrategy           ExitStrategy
	ProfitStop             ProfitStop
	ExitPrice              *decimal.Decimal
	CreatedAt              time.Time
	ActivatedAt            *time.Time
	ClosedAt               *time.Time
	UpdatedAt              time.Time
}

// PublishedMessage records one rendered card on a broadcast channel.
type PublishedMessage struct {
	ID               int64
	RecommendationID uuid.UUID
	ChannelID        int64
	MessageID        int64
	PublishedAt      time.Time
}

// BroadcastChannel is a registry entry the publish task targets.
type BroadcastChannel struct {
	ChannelID int64
	Title     string
	Active    bool
}

// User is a subscriber identified by an opaque external id.
type User struct {
	ID         uuid.UUID
	ExternalID string
	ChatID     int64
	CreatedAt  time.Time
}

// WatchedChannel links a user to the broadcast channel a trade was forwarded from.
type WatchedChannel struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ChannelID int64
	Title     string
	CreatedAt time.Time
}

// NormalizeSide trims and uppercases a side label.
func NormalizeSide(side Side) Side {
	return Side(strings.ToUpper(strings.TrimSpace(string(side))))
}

// Opposite returns the inverse direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}
