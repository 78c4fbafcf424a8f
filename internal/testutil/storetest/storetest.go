// Package storetest provides an in-memory signalstore.Store for tests.
// Transactions serialize on one mutex and apply immediately; rollback is not
// modelled. Seed state through the Seed helpers, then exercise the code under
// test through the regular interface.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/domain/signalstore"
)

// Store implements signalstore.Store over maps.
type Store struct {
	// TxErr, when set, fails every WithTransaction before the callback runs.
	TxErr error

	mu          sync.Mutex
	recs        map[uuid.UUID]*signal.Recommendation
	trades      map[uuid.UUID]*signal.UserTrade
	recEvents   map[uuid.UUID][]signal.Event
	tradeEvents map[uuid.UUID][]signal.Event
	published   map[uuid.UUID][]signal.PublishedMessage
	users       map[uuid.UUID]*signal.User
	watched     map[uuid.UUID][]*signal.WatchedChannel
	channels    []signal.BroadcastChannel
}

// New returns an empty store.
func New() *Store {
	return &Store{
		recs:        make(map[uuid.UUID]*signal.Recommendation),
		trades:      make(map[uuid.UUID]*signal.UserTrade),
		recEvents:   make(map[uuid.UUID][]signal.Event),
		tradeEvents: make(map[uuid.UUID][]signal.Event),
		published:   make(map[uuid.UUID][]signal.PublishedMessage),
		users:       make(map[uuid.UUID]*signal.User),
		watched:     make(map[uuid.UUID][]*signal.WatchedChannel),
	}
}

// SeedRecommendation stores rec as-is.
func (s *Store) SeedRecommendation(rec *signal.Recommendation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
}

// SeedUserTrade stores trade as-is.
func (s *Store) SeedUserTrade(trade *signal.UserTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.ID] = trade
}

// SeedUser stores user as-is.
func (s *Store) SeedUser(user *signal.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// SeedChannels appends broadcast registry entries.
func (s *Store) SeedChannels(channels ...signal.BroadcastChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channels...)
}

// SeedPublishedMessage records an already published card.
func (s *Store) SeedPublishedMessage(msg signal.PublishedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[msg.RecommendationID] = append(s.published[msg.RecommendationID], msg)
}

// WatchedChannels returns the channels linked to userID.
func (s *Store) WatchedChannels(userID uuid.UUID) []signal.WatchedChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signal.WatchedChannel, 0, len(s.watched[userID]))
	for _, wc := range s.watched[userID] {
		out = append(out, *wc)
	}
	return out
}

func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, signalstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TxErr != nil {
		return s.TxErr
	}
	return fn(ctx, &tx{store: s})
}

func (s *Store) ActiveTriggerSnapshot(context.Context) ([]signal.TriggerSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal.TriggerSource
	for _, rec := range s.recs {
		if rec.IsShadow || rec.Status.Terminal() {
			continue
		}
		out = append(out, rec.TriggerSource())
	}
	for _, trade := range s.trades {
		if trade.Status == signal.StatusWatchlist || trade.Status.Terminal() {
			continue
		}
		out = append(out, trade.TriggerSource())
	}
	return out, nil
}

func (s *Store) GetRecommendation(_ context.Context, id uuid.UUID) (*signal.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("recommendation %s: %w", id, signalstore.ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (s *Store) GetUserTrade(_ context.Context, id uuid.UUID) (*signal.UserTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("user trade %s: %w", id, signalstore.ErrNotFound)
	}
	copied := *trade
	return &copied, nil
}

func (s *Store) ListRecommendationEvents(_ context.Context, id uuid.UUID) ([]signal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Event(nil), s.recEvents[id]...), nil
}

func (s *Store) ListUserTradeEvents(_ context.Context, id uuid.UUID) ([]signal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Event(nil), s.tradeEvents[id]...), nil
}

func (s *Store) ListPublishedMessages(_ context.Context, id uuid.UUID) ([]signal.PublishedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.PublishedMessage(nil), s.published[id]...), nil
}

func (s *Store) ListActiveBroadcastChannels(context.Context) ([]signal.BroadcastChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signal.BroadcastChannel, 0, len(s.channels))
	for _, channel := range s.channels {
		if channel.Active {
			out = append(out, channel)
		}
	}
	return out, nil
}

func (s *Store) EnsureUser(_ context.Context, externalID string, chatID int64) (*signal.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.ExternalID == externalID {
			copied := *user
			return &copied, nil
		}
	}
	user := &signal.User{ID: uuid.New(), ExternalID: externalID, ChatID: chatID, CreatedAt: time.Now()}
	s.users[user.ID] = user
	copied := *user
	return &copied, nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*signal.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, signalstore.ErrNotFound)
	}
	copied := *user
	return &copied, nil
}

func (s *Store) FindUserByExternalID(_ context.Context, externalID string) (*signal.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.ExternalID == externalID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", externalID, signalstore.ErrNotFound)
}

func (s *Store) FindOrCreateWatchedChannel(_ context.Context, userID uuid.UUID, channelID int64, title string) (*signal.WatchedChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wc := range s.watched[userID] {
		if wc.ChannelID == channelID {
			copied := *wc
			return &copied, nil
		}
	}
	wc := &signal.WatchedChannel{
		ID:        uuid.New(),
		UserID:    userID,
		ChannelID: channelID,
		Title:     title,
		CreatedAt: time.Now(),
	}
	s.watched[userID] = append(s.watched[userID], wc)
	copied := *wc
	return &copied, nil
}

type tx struct {
	store *Store
}

func (t *tx) InsertRecommendation(_ context.Context, rec *signal.Recommendation) error {
	copied := *rec
	t.store.recs[rec.ID] = &copied
	return nil
}

func (t *tx) InsertUserTrade(_ context.Context, trade *signal.UserTrade) error {
	copied := *trade
	t.store.trades[trade.ID] = &copied
	return nil
}

func (t *tx) LockRecommendation(_ context.Context, id uuid.UUID) (*signal.Recommendation, error) {
	rec, ok := t.store.recs[id]
	if !ok {
		return nil, fmt.Errorf("recommendation %s: %w", id, signalstore.ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (t *tx) LockUserTrade(_ context.Context, id uuid.UUID) (*signal.UserTrade, error) {
	trade, ok := t.store.trades[id]
	if !ok {
		return nil, fmt.Errorf("user trade %s: %w", id, signalstore.ErrNotFound)
	}
	copied := *trade
	return &copied, nil
}

func (t *tx) UpdateRecommendation(_ context.Context, update signalstore.RecommendationUpdate) error {
	rec, ok := t.store.recs[update.ID]
	if !ok {
		return fmt.Errorf("recommendation %s: %w", update.ID, signalstore.ErrNotFound)
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Entry != nil {
		rec.Entry = *update.Entry
	}
	if update.StopLoss != nil {
		rec.StopLoss = *update.StopLoss
	}
	if update.Targets != nil {
		rec.Targets = update.Targets
	}
	if update.OpenSizePercent != nil {
		rec.OpenSizePercent = *update.OpenSizePercent
	}
	if update.RealizedPnL != nil {
		rec.RealizedPnL = *update.RealizedPnL
	}
	if update.ExitStrategy != nil {
		rec.ExitStrategy = *update.ExitStrategy
	}
	if update.ProfitStop != nil {
		rec.ProfitStop = *update.ProfitStop
	}
	if update.ExitPrice != nil {
		rec.ExitPrice = update.ExitPrice
	}
	if update.ActivatedAt != nil {
		at := time.Unix(*update.ActivatedAt, 0)
		rec.ActivatedAt = &at
	}
	if update.ClosedAt != nil {
		at := time.Unix(*update.ClosedAt, 0)
		rec.ClosedAt = &at
	}
	if update.ClearShadow {
		rec.IsShadow = false
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (t *tx) UpdateUserTrade(_ context.Context, update signalstore.UserTradeUpdate) error {
	trade, ok := t.store.trades[update.ID]
	if !ok {
		return fmt.Errorf("user trade %s: %w", update.ID, signalstore.ErrNotFound)
	}
	if update.Status != nil {
		trade.Status = *update.Status
	}
	if update.Entry != nil {
		trade.Entry = *update.Entry
	}
	if update.StopLoss != nil {
		trade.StopLoss = *update.StopLoss
	}
	if update.Targets != nil {
		trade.Targets = update.Targets
	}
	if update.OpenSizePercent != nil {
		trade.OpenSizePercent = *update.OpenSizePercent
	}
	if update.RealizedPnL != nil {
		trade.RealizedPnL = *update.RealizedPnL
	}
	if update.ExitStrategy != nil {
		trade.ExitStrategy = *update.ExitStrategy
	}
	if update.ProfitStop != nil {
		trade.ProfitStop = *update.ProfitStop
	}
	if update.ExitPrice != nil {
		trade.ExitPrice = update.ExitPrice
	}
	if update.ActivatedAt != nil {
		at := time.Unix(*update.ActivatedAt, 0)
		trade.ActivatedAt = &at
	}
	if update.ClosedAt != nil {
		at := time.Unix(*update.ClosedAt, 0)
		trade.ClosedAt = &at
	}
	trade.UpdatedAt = time.Now()
	return nil
}

func (t *tx) ClearShadow(_ context.Context, id uuid.UUID) error {
	rec, ok := t.store.recs[id]
	if !ok {
		return fmt.Errorf("recommendation %s: %w", id, signalstore.ErrNotFound)
	}
	rec.IsShadow = false
	return nil
}

func (t *tx) AppendRecommendationEvent(_ context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error {
	t.store.recEvents[id] = append(t.store.recEvents[id], signal.Event{
		ID:        int64(len(t.store.recEvents[id]) + 1),
		EntityID:  id,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return nil
}

func (t *tx) AppendUserTradeEvent(_ context.Context, id uuid.UUID, eventType signal.EventType, payload signal.EventPayload) error {
	t.store.tradeEvents[id] = append(t.store.tradeEvents[id], signal.Event{
		ID:        int64(len(t.store.tradeEvents[id]) + 1),
		EntityID:  id,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return nil
}

func (t *tx) HasRecommendationEvent(_ context.Context, id uuid.UUID, eventType signal.EventType) (bool, error) {
	for _, event := range t.store.recEvents[id] {
		if event.Type == eventType {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) HasUserTradeEvent(_ context.Context, id uuid.UUID, eventType signal.EventType) (bool, error) {
	for _, event := range t.store.tradeEvents[id] {
		if event.Type == eventType {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertPublishedMessage(_ context.Context, msg signal.PublishedMessage) error {
	t.store.published[msg.RecommendationID] = append(t.store.published[msg.RecommendationID], msg)
	return nil
}
