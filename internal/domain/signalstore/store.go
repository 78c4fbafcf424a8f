// Package signalstore defines persistence contracts for signal lifecycle state.
package signalstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/signal"
)

// ErrNotFound reports a missing entity. Implementations wrap it so callers
// can branch with errors.Is.
var ErrNotFound = errors.New("signalstore: not found")

// RecommendationUpdate captures the mutable recommendation columns written by
// one lifecycle transition. Nil fields are left untouched.
type RecommendationUpdate struct {
	ID              uuid.UUID
	Status          *signal.Status
	Entry           *decimal.Decimal
	StopLoss        *decimal.Decimal
	Targets         []signal.Target
	OpenSizePercent *decimal.Decimal
	RealizedPnL     *decimal.Decimal
	ExitStrategy    *signal.ExitStrategy
	ProfitStop      *signal.ProfitStop
	ExitPrice       *decimal.Decimal
	ActivatedAt     *int64
	ClosedAt        *int64
	ClearShadow     bool
}

// UserTradeUpdate is the user-trade analogue of RecommendationUpdate.
type UserTradeUpdate struct {
	ID              uuid.UUID
	Status          *signal.Status
	Entry           *decimal.Decimal
	StopLoss        *decimal.Decimal
	Targets         []signal.Target
	OpenSizePercent *decimal.Decimal
	RealizedPnL     *decimal.Decimal
	ExitStrategy    *signal.ExitStrategy
	ProfitStop      *signal.ProfitStop
	ExitPrice       *decimal.Decimal
	ActivatedAt     *int64
	ClosedAt        *int64
}

// Tx groups the operations executed inside one transaction. Lock methods
// take a row-scoped exclusive lock and return the current state; subsequent
// writes in the same transaction observe that snapshot.
type Tx interface {
	InsertRecommendation(ctx context.Context, rec *signal.Recommendation) error
	InsertUserTrade(ctx context.Context, trade *signal.UserTrade) error

	LockRecommendation(ctx context.Context, id uuid.UUID) (*signal.Recommendation, error)
	LockUserTrade(ctx context.Context, id uuid.UUID) (*signal.UserTrade, error)

	UpdateRecommendation(ctx context.Context, update RecommendationUpdate) error
	UpdateUserTrade(ctx context.Context, update UserTradeUpdate) error

	// ClearShadow lifts a recommendation's shadow flag once its cards are
	// published, making it visible to trigger snapshots.
	ClearShadow(ctx context.Context, id uuid.UUID) error

	AppendRecommendationEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error
	AppendUserTradeEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error

	HasRecommendationEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType) (bool, error)
	HasUserTradeEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType) (bool, error)

	InsertPublishedMessage(ctx context.Context, msg signal.PublishedMessage) error
}

// Store is the authoritative persistence contract the core consumes.
type Store interface {
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error

	// ActiveTriggerSnapshot returns the projection of every trigger-bearing
	// entity: non-shadow recommendations in PENDING or ACTIVE, and user
	// trades in PENDING_ACTIVATION or ACTIVATED.
	ActiveTriggerSnapshot(ctx context.Context) ([]signal.TriggerSource, error)

	GetRecommendation(ctx context.Context, id uuid.UUID) (*signal.Recommendation, error)
	GetUserTrade(ctx context.Context, id uuid.UUID) (*signal.UserTrade, error)

	ListRecommendationEvents(ctx context.Context, id uuid.UUID) ([]signal.Event, error)
	ListUserTradeEvents(ctx context.Context, id uuid.UUID) ([]signal.Event, error)

	ListPublishedMessages(ctx context.Context, recommendationID uuid.UUID) ([]signal.PublishedMessage, error)
	ListActiveBroadcastChannels(ctx context.Context) ([]signal.BroadcastChannel, error)

	EnsureUser(ctx context.Context, externalID string, chatID int64) (*signal.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*signal.User, error)
	FindUserByExternalID(ctx context.Context, externalID string) (*signal.User, error)
	FindOrCreateWatchedChannel(ctx context.Context, userID uuid.UUID, channelID int64, title string) (*signal.WatchedChannel, error)
}
