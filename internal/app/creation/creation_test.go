package creation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/app/creation"
	"github.com/volitrade/sentinel/internal/app/index"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/testutil/storetest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// publishNotifier records posts under a mutex; card publication runs on a
// worker pool.
type publishNotifier struct {
	mu       sync.Mutex
	next     int64
	posts    []int64
	privates []string
	failFor  map[int64]bool
}

func (n *publishNotifier) PostToChannel(_ context.Context, channelID int64, _ notify.Card) (notify.MessageRef, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[channelID] {
		return notify.MessageRef{}, errors.New("forbidden: bot is not a member")
	}
	n.next++
	n.posts = append(n.posts, channelID)
	return notify.MessageRef{ChatID: channelID, MessageID: n.next}, nil
}

func (n *publishNotifier) EditCard(context.Context, notify.MessageRef, notify.Card) error {
	return nil
}

func (n *publishNotifier) PostReply(_ context.Context, ref notify.MessageRef, _ string) (notify.MessageRef, error) {
	return ref, nil
}

func (n *publishNotifier) SendPrivateText(_ context.Context, _ int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.privates = append(n.privates, text)
	return nil
}

func (n *publishNotifier) postedChannels() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.posts...)
}

func (n *publishNotifier) privateTexts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.privates...)
}

type fakeQuoter struct {
	price decimal.Decimal
	err   error
}

func (q *fakeQuoter) Quote(context.Context, string) (decimal.Decimal, error) {
	return q.price, q.err
}

type harness struct {
	store    *storetest.Store
	index    *index.Index
	notifier *publishNotifier
	quotes   *fakeQuoter
	svc      *creation.Service
}

func newHarness() *harness {
	st := storetest.New()
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})
	nt := &publishNotifier{failFor: map[int64]bool{}}
	qt := &fakeQuoter{price: dec("60120")}
	return &harness{
		store:    st,
		index:    ix,
		notifier: nt,
		quotes:   qt,
		svc:      creation.New(st, ix, nt, qt, creation.Config{}),
	}
}

func draftFixture() creation.RecommendationDraft {
	return creation.RecommendationDraft{
		AnalystID: uuid.New(),
		Symbol:    "BTCUSDT",
		Side:      signal.SideLong,
		OrderType: signal.OrderLimit,
		Entry:     dec("60000"),
		StopLoss:  dec("59000"),
		Targets:   []signal.Target{{Price: dec("61000"), ClosePercent: dec("100")}},
	}
}

func TestCreateRecommendationPublishesAndGoesLive(t *testing.T) {
	h := newHarness()
	h.store.SeedChannels(
		signal.BroadcastChannel{ChannelID: -100500, Title: "Main", Active: true},
		signal.BroadcastChannel{ChannelID: -100600, Title: "VIP", Active: true},
		signal.BroadcastChannel{ChannelID: -100700, Title: "Old", Active: false},
	)
	ctx := context.Background()

	rec, err := h.svc.CreateRecommendation(ctx, draftFixture())
	require.NoError(t, err)
	require.Equal(t, signal.StatusPending, rec.Status)
	require.True(t, rec.IsShadow)
	require.Equal(t, signal.ExitCloseAtFinalTP, rec.ExitStrategy)
	require.Equal(t, market.MarketFutures, rec.Market)

	h.svc.Shutdown()

	stored, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, stored.IsShadow)

	require.ElementsMatch(t, []int64{-100500, -100600}, h.notifier.postedChannels())
	msgs, err := h.store.ListPublishedMessages(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	events, err := h.store.ListRecommendationEvents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, signal.EventCreatedPending, events[0].Type)

	triggers := h.index.Snapshot("BTCUSDT")
	require.Len(t, triggers, 1)
	require.Equal(t, signal.TriggerEntry, triggers[0].Type)

	require.Empty(t, h.notifier.privateTexts())
}

func TestCreateRecommendationMarketUsesLiveQuote(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	draft := draftFixture()
	draft.OrderType = signal.OrderMarket
	draft.Entry = decimal.Zero

	rec, err := h.svc.CreateRecommendation(ctx, draft)
	require.NoError(t, err)
	require.Equal(t, signal.StatusActive, rec.Status)
	require.NotNil(t, rec.ActivatedAt)
	require.True(t, rec.Entry.Equal(dec("60120")))

	h.svc.Shutdown()

	events, err := h.store.ListRecommendationEvents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, signal.EventCreatedActive, events[0].Type)

	require.ElementsMatch(t,
		[]signal.TriggerType{signal.TriggerSL, signal.TriggerTP},
		triggerTypes(h.index.Snapshot("BTCUSDT")))
}

func TestCreateRecommendationMarketNeedsQuote(t *testing.T) {
	h := newHarness()
	h.quotes.err = errors.New("both providers down")

	draft := draftFixture()
	draft.OrderType = signal.OrderMarket

	_, err := h.svc.CreateRecommendation(context.Background(), draft)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindUnavailable))
}

func TestCreateRecommendationValidatesLevels(t *testing.T) {
	h := newHarness()

	draft := draftFixture()
	draft.StopLoss = dec("60500")

	_, err := h.svc.CreateRecommendation(context.Background(), draft)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCreateRecommendationTargetsOwnChannel(t *testing.T) {
	h := newHarness()
	h.store.SeedChannels(signal.BroadcastChannel{ChannelID: -100500, Title: "Main", Active: true})
	own := int64(-100900)

	draft := draftFixture()
	draft.ChannelID = &own

	rec, err := h.svc.CreateRecommendation(context.Background(), draft)
	require.NoError(t, err)
	h.svc.Shutdown()

	require.Equal(t, []int64{own}, h.notifier.postedChannels())
	msgs, err := h.store.ListPublishedMessages(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, own, msgs[0].ChannelID)
}

func TestPublishPartialFailureNotifiesAnalyst(t *testing.T) {
	h := newHarness()
	h.store.SeedChannels(
		signal.BroadcastChannel{ChannelID: -100500, Title: "Main", Active: true},
		signal.BroadcastChannel{ChannelID: -100600, Title: "VIP", Active: true},
	)
	h.notifier.failFor[-100600] = true

	draft := draftFixture()
	h.store.SeedUser(&signal.User{ID: draft.AnalystID, ExternalID: "tg:1", ChatID: 555})

	rec, err := h.svc.CreateRecommendation(context.Background(), draft)
	require.NoError(t, err)
	h.svc.Shutdown()

	msgs, err := h.store.ListPublishedMessages(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(-100500), msgs[0].ChannelID)

	// the signal still goes live on the channels that worked
	stored, err := h.store.GetRecommendation(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, stored.IsShadow)
	require.NotEmpty(t, h.index.Snapshot("BTCUSDT"))

	privates := h.notifier.privateTexts()
	require.Len(t, privates, 1)
	require.Contains(t, privates[0], "1/2 channels")
}

func TestCreateUserTradeFromForward(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	channelID := int64(-100777)
	meta := creation.ForwardMeta{
		ExternalUserID: "tg:99",
		ChatID:         99,
		ChannelID:      &channelID,
		ChannelTitle:   "Alpha Calls",
		SourceText:     "LONG BTCUSDT 60000 / sl 59000 / tp 61000",
	}
	draft := creation.TradeDraft{
		Symbol:    "btcusdt",
		Side:      signal.SideLong,
		OrderType: signal.OrderLimit,
		Entry:     dec("60000"),
		StopLoss:  dec("59000"),
		Targets:   []signal.Target{{Price: dec("61000"), ClosePercent: dec("100")}},
	}

	trade, err := h.svc.CreateUserTradeFromForward(ctx, meta, draft)
	require.NoError(t, err)
	require.Equal(t, signal.StatusPendingActivation, trade.Status)
	require.Equal(t, "BTCUSDT", trade.Symbol)
	require.NotNil(t, trade.WatchedChannelID)

	user, err := h.store.FindUserByExternalID(ctx, "tg:99")
	require.NoError(t, err)
	require.Equal(t, user.ID, trade.UserID)
	require.Len(t, h.store.WatchedChannels(user.ID), 1)

	events, err := h.store.ListUserTradeEvents(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, signal.EventCreatedPending, events[0].Type)

	triggers := h.index.Snapshot("BTCUSDT")
	require.Len(t, triggers, 1)
	require.Equal(t, signal.TriggerEntry, triggers[0].Type)
	require.Equal(t, signal.KindUserTrade, triggers[0].Kind)
}

func TestForwardWatchPolicyParksTrade(t *testing.T) {
	h := newHarness()
	meta := creation.ForwardMeta{
		ExternalUserID: "tg:99",
		ChatID:         99,
		SourceText:     "watch this one",
		Watch:          true,
	}
	draft := creation.TradeDraft{
		Symbol:    "ETHUSDT",
		Side:      signal.SideShort,
		OrderType: signal.OrderLimit,
		Entry:     dec("3000"),
		StopLoss:  dec("3100"),
		Targets:   []signal.Target{{Price: dec("2900"), ClosePercent: dec("100")}},
	}

	trade, err := h.svc.CreateUserTradeFromForward(context.Background(), meta, draft)
	require.NoError(t, err)
	require.Equal(t, signal.StatusWatchlist, trade.Status)
	require.Nil(t, trade.WatchedChannelID)

	events, err := h.store.ListUserTradeEvents(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, signal.EventCreatedWatchlist, events[0].Type)

	// parked trades arm nothing
	require.Empty(t, h.index.Snapshot("ETHUSDT"))
}

func TestCreateUserTradeFromRecommendation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	now := time.Now()
	rec := &signal.Recommendation{
		ID:              uuid.New(),
		AnalystID:       uuid.New(),
		Symbol:          "SOLUSDT",
		Market:          market.MarketFutures,
		Side:            signal.SideLong,
		Entry:           dec("100"),
		StopLoss:        dec("95"),
		Targets:         []signal.Target{{Price: dec("110"), ClosePercent: dec("100")}},
		OrderType:       signal.OrderLimit,
		Status:          signal.StatusActive,
		OpenSizePercent: dec("100"),
		RealizedPnL:     decimal.Zero,
		ExitStrategy:    signal.ExitCloseAtFinalTP,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	h.store.SeedRecommendation(rec)

	trade, err := h.svc.CreateUserTradeFromRecommendation(ctx, "tg:7", 7, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusActivated, trade.Status)
	require.NotNil(t, trade.ActivatedAt)
	require.NotNil(t, trade.SourceRecommendationID)
	require.Equal(t, rec.ID, *trade.SourceRecommendationID)
	require.True(t, trade.OpenSizePercent.Equal(dec("100")))
	require.True(t, trade.RealizedPnL.IsZero())

	events, err := h.store.ListUserTradeEvents(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, signal.EventCreatedActive, events[0].Type)

	require.ElementsMatch(t,
		[]signal.TriggerType{signal.TriggerSL, signal.TriggerTP},
		triggerTypes(h.index.Snapshot("SOLUSDT")))
}

func TestTrackingClosedRecommendationFails(t *testing.T) {
	h := newHarness()
	rec := &signal.Recommendation{
		ID:              uuid.New(),
		AnalystID:       uuid.New(),
		Symbol:          "SOLUSDT",
		Market:          market.MarketFutures,
		Side:            signal.SideLong,
		Entry:           dec("100"),
		StopLoss:        dec("95"),
		Targets:         []signal.Target{{Price: dec("110"), ClosePercent: dec("100")}},
		OrderType:       signal.OrderLimit,
		Status:          signal.StatusClosed,
		OpenSizePercent: decimal.Zero,
		RealizedPnL:     dec("10"),
		ExitStrategy:    signal.ExitCloseAtFinalTP,
	}
	h.store.SeedRecommendation(rec)

	_, err := h.svc.CreateUserTradeFromRecommendation(context.Background(), "tg:7", 7, rec.ID)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = h.svc.CreateUserTradeFromRecommendation(context.Background(), "tg:7", 7, uuid.New())
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}

func triggerTypes(triggers []signal.Trigger) []signal.TriggerType {
	types := make([]signal.TriggerType, 0, len(triggers))
	for _, trig := range triggers {
		types = append(types, trig.Type)
	}
	return types
}
