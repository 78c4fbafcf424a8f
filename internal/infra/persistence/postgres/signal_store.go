package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/domain/signalstore"
)

// SignalStore persists recommendations, user trades, and their event logs.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore constructs a SignalStore backed by the provided pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const (
	recommendationInsertSQL = `
INSERT INTO recommendations (
    id,
    analyst_id,
    channel_id,
    symbol,
    market,
    side,
    order_type,
    entry,
    stop_loss,
    targets,
    status,
    exit_strategy,
    open_size_percent,
    realized_pnl,
    profit_stop,
    exit_price,
    is_shadow,
    activated_at,
    closed_at,
    created_at,
    updated_at
)
VALUES (
    @id,
    @analyst_id,
    @channel_id,
    @symbol,
    @market,
    @side,
    @order_type,
    @entry,
    @stop_loss,
    @targets::jsonb,
    @status,
    @exit_strategy,
    @open_size_percent,
    @realized_pnl,
    @profit_stop::jsonb,
    @exit_price,
    @is_shadow,
    to_timestamp(@activated_at),
    to_timestamp(@closed_at),
    NOW(),
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	recommendationUpdateSQL = `
UPDATE recommendations
SET status = COALESCE(@status, status),
    entry = COALESCE(@entry, entry),
    stop_loss = COALESCE(@stop_loss, stop_loss),
    targets = COALESCE(@targets::jsonb, targets),
    open_size_percent = COALESCE(@open_size_percent, open_size_percent),
    realized_pnl = COALESCE(@realized_pnl, realized_pnl),
    exit_strategy = COALESCE(@exit_strategy, exit_strategy),
    profit_stop = COALESCE(@profit_stop::jsonb, profit_stop),
    exit_price = COALESCE(@exit_price, exit_price),
    is_shadow = CASE WHEN @clear_shadow THEN FALSE ELSE is_shadow END,
    activated_at = COALESCE(to_timestamp(@activated_at), activated_at),
    closed_at = COALESCE(to_timestamp(@closed_at), closed_at),
    updated_at = NOW()
WHERE id = @id;
`

	userTradeInsertSQL = `
INSERT INTO user_trades (
    id,
    user_id,
    watched_channel_id,
    source_recommendation_id,
    source_forwarded_text,
    symbol,
    market,
    side,
    order_type,
    entry,
    stop_loss,
    targets,
    status,
    exit_strategy,
    open_size_percent,
    realized_pnl,
    profit_stop,
    exit_price,
    activated_at,
    closed_at,
    created_at,
    updated_at
)
VALUES (
    @id,
    @user_id,
    @watched_channel_id,
    @source_recommendation_id,
    @source_forwarded_text,
    @symbol,
    @market,
    @side,
    @order_type,
    @entry,
    @stop_loss,
    @targets::jsonb,
    @status,
    @exit_strategy,
    @open_size_percent,
    @realized_pnl,
    @profit_stop::jsonb,
    @exit_price,
    to_timestamp(@activated_at),
    to_timestamp(@closed_at),
    NOW(),
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	userTradeUpdateSQL = `
UPDATE user_trades
SET status = COALESCE(@status, status),
    entry = COALESCE(@entry, entry),
    stop_loss = COALESCE(@stop_loss, stop_loss),
    targets = COALESCE(@targets::jsonb, targets),
    open_size_percent = COALESCE(@open_size_percent, open_size_percent),
    realized_pnl = COALESCE(@realized_pnl, realized_pnl),
    exit_strategy = COALESCE(@exit_strategy, exit_strategy),
    profit_stop = COALESCE(@profit_stop::jsonb, profit_stop),
    exit_price = COALESCE(@exit_price, exit_price),
    activated_at = COALESCE(to_timestamp(@activated_at), activated_at),
    closed_at = COALESCE(to_timestamp(@closed_at), closed_at),
    updated_at = NOW()
WHERE id = @id;
`

	recommendationSelectBase = `
SELECT
    id,
    analyst_id,
    channel_id,
    symbol,
    market,
    side,
    order_type,
    entry::text,
    stop_loss::text,
    targets,
    status,
    exit_strategy,
    open_size_percent::text,
    realized_pnl::text,
    profit_stop,
    exit_price::text,
    is_shadow,
    activated_at,
    closed_at,
    created_at,
    updated_at
FROM recommendations
`

	userTradeSelectBase = `
SELECT
    id,
    user_id,
    watched_channel_id,
    source_recommendation_id,
    source_forwarded_text,
    symbol,
    market,
    side,
    order_type,
    entry::text,
    stop_loss::text,
    targets,
    status,
    exit_strategy,
    open_size_percent::text,
    realized_pnl::text,
    profit_stop,
    exit_price::text,
    activated_at,
    closed_at,
    created_at,
    updated_at
FROM user_trades
`

	recommendationEventInsertSQL = `
INSERT INTO recommendation_events (recommendation_id, event_type, payload, created_at)
VALUES (@entity_id, @event_type, @payload::jsonb, NOW());
`

	userTradeEventInsertSQL = `
INSERT INTO user_trade_events (user_trade_id, event_type, payload, created_at)
VALUES (@entity_id, @event_type, @payload::jsonb, NOW());
`

	recommendationEventExistsSQL = `
SELECT EXISTS (
    SELECT 1 FROM recommendation_events
    WHERE recommendation_id = $1 AND event_type = $2
);
`

	userTradeEventExistsSQL = `
SELECT EXISTS (
    SELECT 1 FROM user_trade_events
    WHERE user_trade_id = $1 AND event_type = $2
);
`

	recommendationEventListSQL = `
SELECT id, recommendation_id, event_type, payload, created_at
FROM recommendation_events
WHERE recommendation_id = $1
ORDER BY id ASC;
`

	userTradeEventListSQL = `
SELECT id, user_trade_id, event_type, payload, created_at
FROM user_trade_events
WHERE user_trade_id = $1
ORDER BY id ASC;
`

	publishedMessageInsertSQL = `
INSERT INTO published_messages (recommendation_id, channel_id, message_id, published_at)
VALUES (@recommendation_id, @channel_id, @message_id, NOW())
ON CONFLICT (recommendation_id, channel_id) DO NOTHING;
`

	publishedMessageListSQL = `
SELECT id, recommendation_id, channel_id, message_id, published_at
FROM published_messages
WHERE recommendation_id = $1
ORDER BY id ASC;
`

	broadcastChannelListSQL = `
SELECT channel_id, title, active
FROM broadcast_channels
WHERE active
ORDER BY channel_id ASC;
`

	userByExternalIDSQL = `
SELECT id, external_id, chat_id, created_at
FROM users
WHERE external_id = $1;
`

	userByIDSQL = `
SELECT id, external_id, chat_id, created_at
FROM users
WHERE id = $1;
`

	userUpsertSQL = `
INSERT INTO users (id, external_id, chat_id, created_at, updated_at)
VALUES (@id, @external_id, @chat_id, NOW(), NOW())
ON CONFLICT (external_id) DO UPDATE SET chat_id = EXCLUDED.chat_id, updated_at = NOW()
RETURNING id, external_id, chat_id, created_at;
`

	watchedChannelUpsertSQL = `
INSERT INTO watched_channels (id, user_id, channel_id, title, created_at)
VALUES (@id, @user_id, @channel_id, @title, NOW())
ON CONFLICT (user_id, channel_id) DO UPDATE SET title = EXCLUDED.title
RETURNING id, user_id, channel_id, title, created_at;
`

	armedRecommendationFilter = ` WHERE status IN ('PENDING', 'ACTIVE') AND NOT is_shadow`
	armedUserTradeFilter      = ` WHERE status IN ('PENDING_ACTIVATION', 'ACTIVATED')`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type signalTx struct {
	tx    pgx.Tx
	store *SignalStore
}

func (s *SignalStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("signal store: nil pool")
	}
	return s.pool, nil
}

func (s *SignalStore) insertRecommendationWith(ctx context.Context, q querier, rec *signal.Recommendation) error {
	if rec == nil || rec.ID == uuid.Nil {
		return fmt.Errorf("signal store: recommendation id required")
	}
	targets, err := encodeTargets(rec.Targets)
	if err != nil {
		return fmt.Errorf("signal store: encode targets: %w", err)
	}
	profitStop, err := encodeProfitStop(rec.ProfitStop)
	if err != nil {
		return fmt.Errorf("signal store: encode profit stop: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                rec.ID,
		"analyst_id":        rec.AnalystID,
		"channel_id":        nullableInt64Arg(rec.ChannelID),
		"symbol":            rec.Symbol,
		"market":            string(rec.Market),
		"side":              string(rec.Side),
		"order_type":        string(rec.OrderType),
		"entry":             decimalArg(rec.Entry),
		"stop_loss":         decimalArg(rec.StopLoss),
		"targets":           targets,
		"status":            string(rec.Status),
		"exit_strategy":     string(rec.ExitStrategy),
		"open_size_percent": decimalArg(rec.OpenSizePercent),
		"realized_pnl":      decimalArg(rec.RealizedPnL),
		"profit_stop":       profitStop,
		"exit_price":        nullableDecimalArg(rec.ExitPrice),
		"is_shadow":         rec.IsShadow,
		"activated_at":      nullableUnixArg(rec.ActivatedAt),
		"closed_at":         nullableUnixArg(rec.ClosedAt),
	}
	if _, err := q.Exec(ctx, recommendationInsertSQL, args); err != nil {
		return fmt.Errorf("signal store: insert recommendation: %w", err)
	}
	return nil
}

func (s *SignalStore) insertUserTradeWith(ctx context.Context, q querier, trade *signal.UserTrade) error {
	if trade == nil || trade.ID == uuid.Nil {
		return fmt.Errorf("signal store: user trade id required")
	}
	targets, err := encodeTargets(trade.Targets)
	if err != nil {
		return fmt.Errorf("signal store: encode targets: %w", err)
	}
	profitStop, err := encodeProfitStop(trade.ProfitStop)
	if err != nil {
		return fmt.Errorf("signal store: encode profit stop: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                       trade.ID,
		"user_id":                  trade.UserID,
		"watched_channel_id":       nullableUUIDArg(trade.WatchedChannelID),
		"source_recommendation_id": nullableUUIDArg(trade.SourceRecommendationID),
		"source_forwarded_text":    trade.SourceForwardedText,
		"symbol":                   trade.Symbol,
		"market":                   string(trade.Market),
		"side":                     string(trade.Side),
		"order_type":               string(trade.OrderType),
		"entry":                    decimalArg(trade.Entry),
		"stop_loss":                decimalArg(trade.StopLoss),
		"targets":                  targets,
		"status":                   string(trade.Status),
		"exit_strategy":            string(trade.ExitStrategy),
		"open_size_percent":        decimalArg(trade.OpenSizePercent),
		"realized_pnl":             decimalArg(trade.RealizedPnL),
		"profit_stop":              profitStop,
		"exit_price":               nullableDecimalArg(trade.ExitPrice),
		"activated_at":             nullableUnixArg(trade.ActivatedAt),
		"closed_at":                nullableUnixArg(trade.ClosedAt),
	}
	if _, err := q.Exec(ctx, userTradeInsertSQL, args); err != nil {
		return fmt.Errorf("signal store: insert user trade: %w", err)
	}
	return nil
}

func (s *SignalStore) updateRecommendationWith(ctx context.Context, q querier, update signalstore.RecommendationUpdate) error {
	if update.ID == uuid.Nil {
		return fmt.Errorf("signal store: recommendation id required")
	}
	targets, err := encodeOptionalTargets(update.Targets)
	if err != nil {
		return fmt.Errorf("signal store: encode targets: %w", err)
	}
	profitStop, err := encodeOptionalProfitStop(update.ProfitStop)
	if err != nil {
		return fmt.Errorf("signal store: encode profit stop: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                update.ID,
		"status":            textArg(update.Status),
		"entry":             nullableDecimalArg(update.Entry),
		"stop_loss":         nullableDecimalArg(update.StopLoss),
		"targets":           targets,
		"open_size_percent": nullableDecimalArg(update.OpenSizePercent),
		"realized_pnl":      nullableDecimalArg(update.RealizedPnL),
		"exit_strategy":     textArg(update.ExitStrategy),
		"profit_stop":       profitStop,
		"exit_price":        nullableDecimalArg(update.ExitPrice),
		"clear_shadow":      update.ClearShadow,
		"activated_at":      nullableInt64Arg(update.ActivatedAt),
		"closed_at":         nullableInt64Arg(update.ClosedAt),
	}
	tag, err := q.Exec(ctx, recommendationUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("signal store: update recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signal store: recommendation %s: %w", update.ID, signalstore.ErrNotFound)
	}
	return nil
}

func (s *SignalStore) updateUserTradeWith(ctx context.Context, q querier, update signalstore.UserTradeUpdate) error {
	if update.ID == uuid.Nil {
		return fmt.Errorf("signal store: user trade id required")
	}
	targets, err := encodeOptionalTargets(update.Targets)
	if err != nil {
		return fmt.Errorf("signal store: encode targets: %w", err)
	}
	profitStop, err := encodeOptionalProfitStop(update.ProfitStop)
	if err != nil {
		return fmt.Errorf("signal store: encode profit stop: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                update.ID,
		"status":            textArg(update.Status),
		"entry":             nullableDecimalArg(update.Entry),
		"stop_loss":         nullableDecimalArg(update.StopLoss),
		"targets":           targets,
		"open_size_percent": nullableDecimalArg(update.OpenSizePercent),
		"realized_pnl":      nullableDecimalArg(update.RealizedPnL),
		"exit_strategy":     textArg(update.ExitStrategy),
		"profit_stop":       profitStop,
		"exit_price":        nullableDecimalArg(update.ExitPrice),
		"activated_at":      nullableInt64Arg(update.ActivatedAt),
		"closed_at":         nullableInt64Arg(update.ClosedAt),
	}
	tag, err := q.Exec(ctx, userTradeUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("signal store: update user trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signal store: user trade %s: %w", update.ID, signalstore.ErrNotFound)
	}
	return nil
}

func (s *SignalStore) getRecommendationWith(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*signal.Recommendation, error) {
	query := recommendationSelectBase + " WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	rec, err := scanRecommendation(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("signal store: recommendation %s: %w", id, signalstore.ErrNotFound)
		}
		return nil, fmt.Errorf("signal store: get recommendation: %w", err)
	}
	return rec, nil
}

func (s *SignalStore) getUserTradeWith(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*signal.UserTrade, error) {
	query := userTradeSelectBase + " WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	trade, err := scanUserTrade(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("signal store: user trade %s: %w", id, signalstore.ErrNotFound)
		}
		return nil, fmt.Errorf("signal store: get user trade: %w", err)
	}
	return trade, nil
}

func (s *SignalStore) appendEventWith(ctx context.Context, q querier, insertSQL string, entityID uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error {
	if entityID == uuid.Nil {
		return fmt.Errorf("signal store: entity id required")
	}
	encoded, err := encodeEventPayload(payload)
	if err != nil {
		return fmt.Errorf("signal store: encode event payload: %w", err)
	}
	args := pgx.NamedArgs{
		"entity_id":  entityID,
		"event_type": string(eventType),
		"payload":    encoded,
	}
	if _, err := q.Exec(ctx, insertSQL, args); err != nil {
		return fmt.Errorf("signal store: append event %s: %w", eventType, err)
	}
	return nil
}

func (s *SignalStore) hasEventWith(ctx context.Context, q querier, existsSQL string, entityID uuid.UUID, eventType signal.EventType) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, existsSQL, entityID, string(eventType)).Scan(&exists); err != nil {
		return false, fmt.Errorf("signal store: check event %s: %w", eventType, err)
	}
	return exists, nil
}

func (s *SignalStore) insertPublishedMessageWith(ctx context.Context, q querier, msg signal.PublishedMessage) error {
	if msg.RecommendationID == uuid.Nil {
		return fmt.Errorf("signal store: recommendation id required")
	}
	args := pgx.NamedArgs{
		"recommendation_id": msg.RecommendationID,
		"channel_id":        msg.ChannelID,
		"message_id":        msg.MessageID,
	}
	if _, err := q.Exec(ctx, publishedMessageInsertSQL, args); err != nil {
		return fmt.Errorf("signal store: insert published message: %w", err)
	}
	return nil
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *SignalStore) WithTransaction(ctx context.Context, fn func(context.Context, signalstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("signal store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("signal store: begin tx: %w", err)
	}
	wrapped := &signalTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("signal store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("signal store: commit tx: %w", err)
	}
	return nil
}

// ActiveTriggerSnapshot projects every trigger-bearing entity: non-shadow
// recommendations awaiting entry or open, and armed user trades.
func (s *SignalStore) ActiveTriggerSnapshot(ctx context.Context) ([]signal.TriggerSource, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}

	var sources []signal.TriggerSource

	rows, err := pool.Query(ctx, recommendationSelectBase+armedRecommendationFilter)
	if err != nil {
		return nil, fmt.Errorf("signal store: snapshot recommendations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("signal store: scan recommendation: %w", err)
		}
		sources = append(sources, rec.TriggerSource())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal store: iterate recommendations: %w", err)
	}

	tradeRows, err := pool.Query(ctx, userTradeSelectBase+armedUserTradeFilter)
	if err != nil {
		return nil, fmt.Errorf("signal store: snapshot user trades: %w", err)
	}
	defer tradeRows.Close()
	for tradeRows.Next() {
		trade, err := scanUserTrade(tradeRows)
		if err != nil {
			return nil, fmt.Errorf("signal store: scan user trade: %w", err)
		}
		sources = append(sources, trade.TriggerSource())
	}
	if err := tradeRows.Err(); err != nil {
		return nil, fmt.Errorf("signal store: iterate user trades: %w", err)
	}

	return sources, nil
}

// GetRecommendation fetches one recommendation without locking it.
func (s *SignalStore) GetRecommendation(ctx context.Context, id uuid.UUID) (*signal.Recommendation, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.getRecommendationWith(ctx, pool, id, false)
}

// GetUserTrade fetches one user trade without locking it.
func (s *SignalStore) GetUserTrade(ctx context.Context, id uuid.UUID) (*signal.UserTrade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.getUserTradeWith(ctx, pool, id, false)
}

// ListRecommendationEvents returns a recommendation's event log in append order.
func (s *SignalStore) ListRecommendationEvents(ctx context.Context, id uuid.UUID) ([]signal.Event, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return listEvents(ctx, pool, recommendationEventListSQL, id)
}

// ListUserTradeEvents returns a user trade's event log in append order.
func (s *SignalStore) ListUserTradeEvents(ctx context.Context, id uuid.UUID) ([]signal.Event, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return listEvents(ctx, pool, userTradeEventListSQL, id)
}

// ListPublishedMessages returns the delivery records for one recommendation.
func (s *SignalStore) ListPublishedMessages(ctx context.Context, recommendationID uuid.UUID) ([]signal.PublishedMessage, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, publishedMessageListSQL, recommendationID)
	if err != nil {
		return nil, fmt.Errorf("signal store: list published messages: %w", err)
	}
	defer rows.Close()

	var messages []signal.PublishedMessage
	for rows.Next() {
		var msg signal.PublishedMessage
		if err := rows.Scan(&msg.ID, &msg.RecommendationID, &msg.ChannelID, &msg.MessageID, &msg.PublishedAt); err != nil {
			return nil, fmt.Errorf("signal store: scan published message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal store: iterate published messages: %w", err)
	}
	return messages, nil
}

// ListActiveBroadcastChannels returns the publish targets currently enabled.
func (s *SignalStore) ListActiveBroadcastChannels(ctx context.Context) ([]signal.BroadcastChannel, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, broadcastChannelListSQL)
	if err != nil {
		return nil, fmt.Errorf("signal store: list broadcast channels: %w", err)
	}
	defer rows.Close()

	var channels []signal.BroadcastChannel
	for rows.Next() {
		var ch signal.BroadcastChannel
		if err := rows.Scan(&ch.ChannelID, &ch.Title, &ch.Active); err != nil {
			return nil, fmt.Errorf("signal store: scan broadcast channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal store: iterate broadcast channels: %w", err)
	}
	return channels, nil
}

// EnsureUser registers a subscriber, refreshing the chat id on repeat contact.
func (s *SignalStore) EnsureUser(ctx context.Context, externalID string, chatID int64) (*signal.User, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(externalID)
	if trimmed == "" {
		return nil, fmt.Errorf("signal store: external id required")
	}
	args := pgx.NamedArgs{
		"id":          uuid.New(),
		"external_id": trimmed,
		"chat_id":     chatID,
	}
	var user signal.User
	err = pool.QueryRow(ctx, userUpsertSQL, args).Scan(&user.ID, &user.ExternalID, &user.ChatID, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("signal store: upsert user: %w", err)
	}
	return &user, nil
}

// GetUser resolves a subscriber by primary key.
func (s *SignalStore) GetUser(ctx context.Context, id uuid.UUID) (*signal.User, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var user signal.User
	err = pool.QueryRow(ctx, userByIDSQL, id).Scan(&user.ID, &user.ExternalID, &user.ChatID, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("signal store: user %s: %w", id, signalstore.ErrNotFound)
		}
		return nil, fmt.Errorf("signal store: get user: %w", err)
	}
	return &user, nil
}

// FindUserByExternalID resolves a subscriber by its opaque external id.
func (s *SignalStore) FindUserByExternalID(ctx context.Context, externalID string) (*signal.User, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(externalID)
	if trimmed == "" {
		return nil, fmt.Errorf("signal store: external id required")
	}
	var user signal.User
	err = pool.QueryRow(ctx, userByExternalIDSQL, trimmed).Scan(&user.ID, &user.ExternalID, &user.ChatID, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("signal store: user %s: %w", trimmed, signalstore.ErrNotFound)
		}
		return nil, fmt.Errorf("signal store: find user: %w", err)
	}
	return &user, nil
}

// FindOrCreateWatchedChannel registers a channel watch, updating the stored
// title on repeat registration.
func (s *SignalStore) FindOrCreateWatchedChannel(ctx context.Context, userID uuid.UUID, channelID int64, title string) (*signal.WatchedChannel, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if userID == uuid.Nil {
		return nil, fmt.Errorf("signal store: user id required")
	}
	args := pgx.NamedArgs{
		"id":         uuid.New(),
		"user_id":    userID,
		"channel_id": channelID,
		"title":      strings.TrimSpace(title),
	}
	var watched signal.WatchedChannel
	err = pool.QueryRow(ctx, watchedChannelUpsertSQL, args).
		Scan(&watched.ID, &watched.UserID, &watched.ChannelID, &watched.Title, &watched.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("signal store: upsert watched channel: %w", err)
	}
	return &watched, nil
}

func (t *signalTx) InsertRecommendation(ctx context.Context, rec *signal.Recommendation) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.insertRecommendationWith(ctx, t.tx, rec)
}

func (t *signalTx) InsertUserTrade(ctx context.Context, trade *signal.UserTrade) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.insertUserTradeWith(ctx, t.tx, trade)
}

func (t *signalTx) LockRecommendation(ctx context.Context, id uuid.UUID) (*signal.Recommendation, error) {
	if t == nil {
		return nil, fmt.Errorf("signal store: nil transaction")
	}
	return t.store.getRecommendationWith(ctx, t.tx, id, true)
}

func (t *signalTx) LockUserTrade(ctx context.Context, id uuid.UUID) (*signal.UserTrade, error) {
	if t == nil {
		return nil, fmt.Errorf("signal store: nil transaction")
	}
	return t.store.getUserTradeWith(ctx, t.tx, id, true)
}

func (t *signalTx) UpdateRecommendation(ctx context.Context, update signalstore.RecommendationUpdate) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.updateRecommendationWith(ctx, t.tx, update)
}

func (t *signalTx) ClearShadow(ctx context.Context, id uuid.UUID) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.updateRecommendationWith(ctx, t.tx, signalstore.RecommendationUpdate{ID: id, ClearShadow: true})
}

func (t *signalTx) UpdateUserTrade(ctx context.Context, update signalstore.UserTradeUpdate) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.updateUserTradeWith(ctx, t.tx, update)
}

func (t *signalTx) AppendRecommendationEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.appendEventWith(ctx, t.tx, recommendationEventInsertSQL, id, eventType, payload)
}

func (t *signalTx) AppendUserTradeEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.appendEventWith(ctx, t.tx, userTradeEventInsertSQL, id, eventType, payload)
}

func (t *signalTx) HasRecommendationEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("signal store: nil transaction")
	}
	return t.store.hasEventWith(ctx, t.tx, recommendationEventExistsSQL, id, eventType)
}

func (t *signalTx) HasUserTradeEvent(ctx context.Context, id uuid.UUID, eventType signal.EventType) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("signal store: nil transaction")
	}
	return t.store.hasEventWith(ctx, t.tx, userTradeEventExistsSQL, id, eventType)
}

func (t *signalTx) InsertPublishedMessage(ctx context.Context, msg signal.PublishedMessage) error {
	if t == nil {
		return fmt.Errorf("signal store: nil transaction")
	}
	return t.store.insertPublishedMessageWith(ctx, t.tx, msg)
}

func scanRecommendation(row rowScanner) (*signal.Recommendation, error) {
	var (
		id              uuid.UUID
		analystID       uuid.UUID
		channelID       sql.NullInt64
		symbol          string
		marketValue     string
		side            string
		orderType       string
		entryText       string
		stopLossText    string
		targetsBytes    []byte
		status          string
		exitStrategy    string
		openSizeText    string
		realizedText    string
		profitStopBytes []byte
		exitPriceValue  sql.NullString
		isShadow        bool
		activatedAt     pgtype.Timestamptz
		closedAt        pgtype.Timestamptz
		createdAt       time.Time
		updatedAt       time.Time
	)
	if err := row.Scan(
		&id,
		&analystID,
		&channelID,
		&symbol,
		&marketValue,
		&side,
		&orderType,
		&entryText,
		&stopLossText,
		&targetsBytes,
		&status,
		&exitStrategy,
		&openSizeText,
		&realizedText,
		&profitStopBytes,
		&exitPriceValue,
		&isShadow,
		&activatedAt,
		&closedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	entry, err := decimalFromText(entryText)
	if err != nil {
		return nil, err
	}
	stopLoss, err := decimalFromText(stopLossText)
	if err != nil {
		return nil, err
	}
	openSize, err := decimalFromText(openSizeText)
	if err != nil {
		return nil, err
	}
	realized, err := decimalFromText(realizedText)
	if err != nil {
		return nil, err
	}
	targets, err := decodeTargets(targetsBytes)
	if err != nil {
		return nil, err
	}
	profitStop, err := decodeProfitStop(profitStopBytes)
	if err != nil {
		return nil, err
	}
	exitPrice, err := optionalDecimal(exitPriceValue)
	if err != nil {
		return nil, err
	}

	rec := &signal.Recommendation{
		ID:              id,
		AnalystID:       analystID,
		ChannelID:       optionalInt64(channelID),
		Symbol:          symbol,
		Market:          market.Market(marketValue),
		Side:            signal.Side(side),
		Entry:           entry,
		StopLoss:        stopLoss,
		Targets:         targets,
		OrderType:       signal.OrderType(orderType),
		Status:          signal.Status(status),
		OpenSizePercent: openSize,
		RealizedPnL:     realized,
		ExitStrategy:    signal.ExitStrategy(exitStrategy),
		ProfitStop:      profitStop,
		ExitPrice:       exitPrice,
		IsShadow:        isShadow,
		CreatedAt:       createdAt,
		ActivatedAt:     optionalTime(activatedAt),
		ClosedAt:        optionalTime(closedAt),
		UpdatedAt:       updatedAt,
	}
	return rec, nil
}

func scanUserTrade(row rowScanner) (*signal.UserTrade, error) {
	var (
		id              uuid.UUID
		userID          uuid.UUID
		watchedChannel  pgtype.UUID
		sourceRec       pgtype.UUID
		sourceText      string
		symbol          string
		marketValue     string
		side            string
		orderType       string
		entryText       string
		stopLossText    string
		targetsBytes    []byte
		status          string
		exitStrategy    string
		openSizeText    string
		realizedText    string
		profitStopBytes []byte
		exitPriceValue  sql.NullString
		activatedAt     pgtype.Timestamptz
		closedAt        pgtype.Timestamptz
		createdAt       time.Time
		updatedAt       time.Time
	)
	if err := row.Scan(
		&id,
		&userID,
		&watchedChannel,
		&sourceRec,
		&sourceText,
		&symbol,
		&marketValue,
		&side,
		&orderType,
		&entryText,
		&stopLossText,
		&targetsBytes,
		&status,
		&exitStrategy,
		&openSizeText,
		&realizedText,
		&profitStopBytes,
		&exitPriceValue,
		&activatedAt,
		&closedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	entry, err := decimalFromText(entryText)
	if err != nil {
		return nil, err
	}
	stopLoss, err := decimalFromText(stopLossText)
	if err != nil {
		return nil, err
	}
	openSize, err := decimalFromText(openSizeText)
	if err != nil {
		return nil, err
	}
	realized, err := decimalFromText(realizedText)
	if err != nil {
		return nil, err
	}
	targets, err := decodeTargets(targetsBytes)
	if err != nil {
		return nil, err
	}
	profitStop, err := decodeProfitStop(profitStopBytes)
	if err != nil {
		return nil, err
	}
	exitPrice, err := optionalDecimal(exitPriceValue)
	if err != nil {
		return nil, err
	}

	trade := &signal.UserTrade{
		ID:                     id,
		UserID:                 userID,
		WatchedChannelID:       optionalUUID(watchedChannel),
		SourceRecommendationID: optionalUUID(sourceRec),
		SourceForwardedText:    sourceText,
		Symbol:                 symbol,
		Market:                 market.Market(marketValue),
		Side:                   signal.Side(side),
		Entry:                  entry,
		StopLoss:               stopLoss,
		Targets:                targets,
		OrderType:              signal.OrderType(orderType),
		Status:                 signal.Status(status),
		OpenSizePercent:        openSize,
		RealizedPnL:            realized,
		ExitStrategy:           signal.ExitStrategy(exitStrategy),
		ProfitStop:             profitStop,
		ExitPrice:              exitPrice,
		CreatedAt:              createdAt,
		ActivatedAt:            optionalTime(activatedAt),
		ClosedAt:               optionalTime(closedAt),
		UpdatedAt:              updatedAt,
	}
	return trade, nil
}

func listEvents(ctx context.Context, q querier, listSQL string, entityID uuid.UUID) ([]signal.Event, error) {
	rows, err := q.Query(ctx, listSQL, entityID)
	if err != nil {
		return nil, fmt.Errorf("signal store: list events: %w", err)
	}
	defer rows.Close()

	var events []signal.Event
	for rows.Next() {
		var (
			event        signal.Event
			eventType    string
			payloadBytes []byte
		)
		if err := rows.Scan(&event.ID, &event.EntityID, &eventType, &payloadBytes, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("signal store: scan event: %w", err)
		}
		event.Type = signal.EventType(eventType)
		payload, err := decodeEventPayload(payloadBytes)
		if err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal store: iterate events: %w", err)
	}
	return events, nil
}

func encodeTargets(targets []signal.Target) ([]byte, error) {
	if targets == nil {
		targets = []signal.Target{}
	}
	return json.Marshal(targets)
}

func encodeOptionalTargets(targets []signal.Target) (any, error) {
	if targets == nil {
		return nil, nil
	}
	return json.Marshal(targets)
}

func decodeTargets(raw []byte) ([]signal.Target, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var targets []signal.Target
	if err := json.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("signal store: decode targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return targets, nil
}

func encodeProfitStop(p signal.ProfitStop) ([]byte, error) {
	return json.Marshal(p)
}

func encodeOptionalProfitStop(p *signal.ProfitStop) (any, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(*p)
}

func decodeProfitStop(raw []byte) (signal.ProfitStop, error) {
	var p signal.ProfitStop
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("signal store: decode profit stop: %w", err)
	}
	return p, nil
}

func encodeEventPayload(payload signal.EventPayload) ([]byte, error) {
	return json.Marshal(payload)
}

func decodeEventPayload(raw []byte) (signal.EventPayload, error) {
	var payload signal.EventPayload
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("signal store: decode event payload: %w", err)
	}
	return payload, nil
}
