// Package creation validates and persists new recommendations and user
// trades. Recommendations are born shadowed: the row commits first, then a
// detached task posts the broadcast cards, records them, arms the triggers,
// and lifts the shadow flag.
package creation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/domain/signalstore"
	"github.com/volitrade/sentinel/internal/observability"
)

const component = "app/creation"

const (
	defaultQuoteTimeout   = 5 * time.Second
	defaultPublishTimeout = 30 * time.Second
	defaultPublishWorkers = 4
)

var fullPosition = decimal.NewFromInt(100)

// Quoter supplies a live price for market-order entries.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TriggerIndex is the write side of the trigger index.
type TriggerIndex interface {
	Put(src signal.TriggerSource)
}

// Config tunes the creation service.
type Config struct {
	// QuoteTimeout bounds the live-entry fetch for MARKET orders. Zero means 5s.
	QuoteTimeout time.Duration

	// PublishTimeout bounds the detached card-publish task. Zero means 30s.
	PublishTimeout time.Duration

	// PublishWorkers caps parallel card posts per recommendation. Zero means 4.
	PublishWorkers int

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Service creates entities and runs the shadow publish sequence.
type Service struct {
	store    signalstore.Store
	index    TriggerIndex
	notifier notify.Notifier
	quotes   Quoter

	quoteTimeout   time.Duration
	publishTimeout time.Duration
	publishWorkers int
	now            func() time.Time

	publishes conc.WaitGroup
}

// New wires the creation service. quotes may be nil when no market-order
// support is needed.
func New(store signalstore.Store, index TriggerIndex, notifier notify.Notifier, quotes Quoter, cfg Config) *Service {
	quoteTimeout := cfg.QuoteTimeout
	if quoteTimeout <= 0 {
		quoteTimeout = defaultQuoteTimeout
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	workers := cfg.PublishWorkers
	if workers <= 0 {
		workers = defaultPublishWorkers
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		store:          store,
		index:          index,
		notifier:       notifier,
		quotes:         quotes,
		quoteTimeout:   quoteTimeout,
		publishTimeout: publishTimeout,
		publishWorkers: workers,
		now:            now,
	}
}

// Shutdown waits for in-flight publish tasks to finish.
func (s *Service) Shutdown() {
	s.publishes.Wait()
}

// RecommendationDraft carries the analyst's input for a new signal.
type RecommendationDraft struct {
	AnalystID    uuid.UUID
	ChannelID    *int64
	Symbol       string
	Market       market.Market
	Side         signal.Side
	OrderType    signal.OrderType
	Entry        decimal.Decimal
	StopLoss     decimal.Decimal
	Targets      []signal.Target
	ExitStrategy signal.ExitStrategy
	ProfitStop   signal.ProfitStop
}

// CreateRecommendation persists a validated draft and schedules its card
// publication. MARKET orders fetch the live price as their entry and start
// active; everything else starts pending. The returned recommendation is
// still shadowed; the detached publish task lifts the flag.
func (s *Service) CreateRecommendation(ctx context.Context, draft RecommendationDraft) (*signal.Recommendation, error) {
	now := s.now()
	rec := &signal.Recommendation{
		ID:              uuid.New(),
		AnalystID:       draft.AnalystID,
		ChannelID:       draft.ChannelID,
		Symbol:          market.NormalizeSymbol(draft.Symbol),
		Market:          draft.Market,
		Side:            signal.NormalizeSide(draft.Side),
		Entry:           draft.Entry,
		StopLoss:        draft.StopLoss,
		Targets:         draft.Targets,
		OrderType:       draft.OrderType,
		Status:          signal.StatusPending,
		OpenSizePercent: fullPosition,
		RealizedPnL:     decimal.Zero,
		ExitStrategy:    draft.ExitStrategy,
		ProfitStop:      draft.ProfitStop,
		IsShadow:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	applyRecommendationDefaults(rec)

	eventType := signal.EventCreatedPending
	if rec.OrderType == signal.OrderMarket {
		price, err := s.liveEntry(ctx, rec.Symbol)
		if err != nil {
			return nil, err
		}
		rec.Entry = price
		rec.Status = signal.StatusActive
		rec.ActivatedAt = &now
		eventType = signal.EventCreatedActive
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		if err := tx.InsertRecommendation(ctx, rec); err != nil {
			return err
		}
		return tx.AppendRecommendationEvent(ctx, rec.ID, eventType, signal.PricePayload(rec.Entry))
	})
	if err != nil {
		return nil, storeErr(err)
	}

	detached := context.WithoutCancel(ctx)
	s.publishes.Go(func() { s.publish(detached, rec) })
	return rec, nil
}

func applyRecommendationDefaults(rec *signal.Recommendation) {
	if rec.Market == "" {
		rec.Market = market.MarketFutures
	}
	if rec.OrderType == "" {
		rec.OrderType = signal.OrderLimit
	}
	if rec.ExitStrategy == "" {
		rec.ExitStrategy = signal.ExitCloseAtFinalTP
	}
}

func (s *Service) liveEntry(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.quotes == nil {
		return decimal.Decimal{}, errs.New(component, errs.KindUnavailable,
			errs.WithMessage("market orders need a quote service"))
	}
	qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
	defer cancel()
	price, err := s.quotes.Quote(qctx, symbol)
	if err != nil {
		return decimal.Decimal{}, errs.New(component, errs.KindUnavailable,
			errs.WithMessage("live entry for "+symbol+" unavailable"), errs.WithCause(err))
	}
	return price, nil
}

// publish is the detached half of recommendation creation: post cards to the
// resolved channels, persist the successes, arm the triggers, lift the shadow
// flag, and tell the analyst when some channels missed the card. The order
// matters; triggers must be armed before the row becomes visible to rebuilds.
func (s *Service) publish(ctx context.Context, rec *signal.Recommendation) {
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	channels, err := s.resolveChannels(ctx, rec)
	if err != nil {
		observability.Log().Error("broadcast channel resolution failed",
			observability.F("error", err),
			observability.F("recommendation", rec.ID.String()))
		channels = nil
	}

	refs := s.postCards(ctx, rec, channels)
	if len(refs) > 0 {
		err := s.store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
			for _, ref := range refs {
				msg := signal.PublishedMessage{
					RecommendationID: rec.ID,
					ChannelID:        ref.ChatID,
					MessageID:        ref.MessageID,
					PublishedAt:      s.now(),
				}
				if err := tx.InsertPublishedMessage(ctx, msg); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			observability.Log().Error("published message persistence failed",
				observability.F("error", err),
				observability.F("recommendation", rec.ID.String()))
		}
	}

	s.index.Put(rec.TriggerSource())

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		return tx.ClearShadow(ctx, rec.ID)
	})
	if err != nil {
		observability.Log().Error("shadow clear failed",
			observability.F("error", err),
			observability.F("recommendation", rec.ID.String()))
	}

	if failed := len(channels) - len(refs); failed > 0 {
		s.reportPublishFailure(ctx, rec, failed, len(channels))
	}
}

func (s *Service) resolveChannels(ctx context.Context, rec *signal.Recommendation) ([]int64, error) {
	if rec.ChannelID != nil {
		return []int64{*rec.ChannelID}, nil
	}
	entries, err := s.store.ListActiveBroadcastChannels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ChannelID)
	}
	return out, nil
}

func (s *Service) postCards(ctx context.Context, rec *signal.Recommendation, channels []int64) []notify.MessageRef {
	if len(channels) == 0 {
		return nil
	}
	card := notify.RecommendationCard(rec, nil)
	workers := s.publishWorkers
	if workers > len(channels) {
		workers = len(channels)
	}
	var mu sync.Mutex
	refs := make([]notify.MessageRef, 0, len(channels))
	p := pool.New().WithMaxGoroutines(workers)
	for _, channelID := range channels {
		id := channelID
		p.Go(func() {
			ref, err := s.notifier.PostToChannel(ctx, id, card)
			if err != nil {
				observability.Log().Error("card post failed",
					observability.F("error", err),
					observability.F("recommendation", rec.ID.String()),
					observability.F("channel", id))
				return
			}
			mu.Lock()
			refs = append(refs, ref)
			mu.Unlock()
		})
	}
	p.Wait()
	return refs
}

func (s *Service) reportPublishFailure(ctx context.Context, rec *signal.Recommendation, failed, total int) {
	user, err := s.store.GetUser(ctx, rec.AnalystID)
	if err != nil {
		observability.Log().Error("analyst lookup failed",
			observability.F("error", err),
			observability.F("recommendation", rec.ID.String()))
		return
	}
	text := notify.PublishFailureText(rec.Symbol, failed, total)
	if err := s.notifier.SendPrivateText(ctx, user.ChatID, text); err != nil {
		observability.Log().Error("publish failure notice failed",
			observability.F("error", err),
			observability.F("recommendation", rec.ID.String()))
	}
}

// TradeDraft is the structured payload extracted from a forwarded signal.
// Parsing happens upstream; this service only validates and persists.
type TradeDraft struct {
	Symbol       string
	Market       market.Market
	Side         signal.Side
	OrderType    signal.OrderType
	Entry        decimal.Decimal
	StopLoss     decimal.Decimal
	Targets      []signal.Target
	ExitStrategy signal.ExitStrategy
	ProfitStop   signal.ProfitStop
}

// ForwardMeta identifies who forwarded the signal and where it came from.
type ForwardMeta struct {
	ExternalUserID string
	ChatID         int64
	ChannelID      *int64
	ChannelTitle   string
	SourceText     string

	// Watch parks the trade in the watch list instead of arming its entry.
	Watch bool
}

// CreateUserTradeFromForward stores a trade parsed out of a forwarded
// message. The forwarding user is created on first contact; the source
// channel is linked when known.
func (s *Service) CreateUserTradeFromForward(ctx context.Context, meta ForwardMeta, draft TradeDraft) (*signal.UserTrade, error) {
	user, err := s.store.EnsureUser(ctx, meta.ExternalUserID, meta.ChatID)
	if err != nil {
		return nil, storeErr(err)
	}
	var watched *uuid.UUID
	if meta.ChannelID != nil {
		channel, err := s.store.FindOrCreateWatchedChannel(ctx, user.ID, *meta.ChannelID, meta.ChannelTitle)
		if err != nil {
			return nil, storeErr(err)
		}
		watched = &channel.ID
	}

	now := s.now()
	status := signal.StatusPendingActivation
	eventType := signal.EventCreatedPending
	if meta.Watch {
		status = signal.StatusWatchlist
		eventType = signal.EventCreatedWatchlist
	}
	trade := &signal.UserTrade{
		ID:                  uuid.New(),
		UserID:              user.ID,
		WatchedChannelID:    watched,
		SourceForwardedText: meta.SourceText,
		Symbol:              market.NormalizeSymbol(draft.Symbol),
		Market:              draft.Market,
		Side:                signal.NormalizeSide(draft.Side),
		Entry:               draft.Entry,
		StopLoss:            draft.StopLoss,
		Targets:             draft.Targets,
		OrderType:           draft.OrderType,
		Status:              status,
		OpenSizePercent:     fullPosition,
		RealizedPnL:         decimal.Zero,
		ExitStrategy:        draft.ExitStrategy,
		ProfitStop:          draft.ProfitStop,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	applyTradeDefaults(trade)
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	if err := s.insertTrade(ctx, trade, eventType); err != nil {
		return nil, err
	}
	s.index.Put(trade.TriggerSource())
	return trade, nil
}

// CreateUserTradeFromRecommendation copies a live recommendation into the
// subscriber's personal tracking. The copy starts with a full position and
// its own PnL baseline; its status mirrors the source.
func (s *Service) CreateUserTradeFromRecommendation(ctx context.Context, externalUserID string, chatID int64, recommendationID uuid.UUID) (*signal.UserTrade, error) {
	rec, err := s.store.GetRecommendation(ctx, recommendationID)
	if err != nil {
		return nil, storeErr(err)
	}
	if rec.Status.Terminal() {
		return nil, errs.New(component, errs.KindValidation,
			errs.WithMessage("cannot track a closed recommendation"))
	}
	user, err := s.store.EnsureUser(ctx, externalUserID, chatID)
	if err != nil {
		return nil, storeErr(err)
	}

	now := s.now()
	trade := &signal.UserTrade{
		ID:                     uuid.New(),
		UserID:                 user.ID,
		SourceRecommendationID: &rec.ID,
		Symbol:                 rec.Symbol,
		Market:                 rec.Market,
		Side:                   rec.Side,
		Entry:                  rec.Entry,
		StopLoss:               rec.StopLoss,
		Targets:                append([]signal.Target(nil), rec.Targets...),
		OrderType:              rec.OrderType,
		Status:                 signal.StatusPendingActivation,
		OpenSizePercent:        fullPosition,
		RealizedPnL:            decimal.Zero,
		ExitStrategy:           rec.ExitStrategy,
		ProfitStop:             rec.ProfitStop,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	eventType := signal.EventCreatedPending
	if rec.Status.Open() {
		trade.Status = signal.StatusActivated
		trade.ActivatedAt = &now
		eventType = signal.EventCreatedActive
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	if err := s.insertTrade(ctx, trade, eventType); err != nil {
		return nil, err
	}
	s.index.Put(trade.TriggerSource())
	return trade, nil
}

func applyTradeDefaults(trade *signal.UserTrade) {
	if trade.Market == "" {
		trade.Market = market.MarketFutures
	}
	if trade.OrderType == "" {
		trade.OrderType = signal.OrderLimit
	}
	if trade.ExitStrategy == "" {
		trade.ExitStrategy = signal.ExitCloseAtFinalTP
	}
}

func (s *Service) insertTrade(ctx context.Context, trade *signal.UserTrade, eventType signal.EventType) error {
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		if err := tx.InsertUserTrade(ctx, trade); err != nil {
			return err
		}
		return tx.AppendUserTradeEvent(ctx, trade.ID, eventType, signal.PricePayload(trade.Entry))
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func storeErr(err error) error {
	if errors.Is(err, signalstore.ErrNotFound) {
		return errs.New(component, errs.KindNotFound, errs.WithCause(err))
	}
	var typed *errs.E
	if errors.As(err, &typed) {
		return err
	}
	return errs.New(component, errs.KindTransient, errs.WithCause(err))
}
