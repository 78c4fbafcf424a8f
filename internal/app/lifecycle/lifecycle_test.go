package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/app/index"
	"github.com/volitrade/sentinel/internal/app/lifecycle"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/testutil/storetest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeNotifier records deliveries. Fan-out runs inline in these tests (nil
// task pool), so no locking is needed.
type fakeNotifier struct {
	edits    []notify.MessageRef
	replies  []string
	privates []string
}

func (n *fakeNotifier) PostToChannel(_ context.Context, channelID int64, _ notify.Card) (notify.MessageRef, error) {
	return notify.MessageRef{ChatID: channelID, MessageID: 1}, nil
}

func (n *fakeNotifier) EditCard(_ context.Context, ref notify.MessageRef, _ notify.Card) error {
	n.edits = append(n.edits, ref)
	return nil
}

func (n *fakeNotifier) PostReply(_ context.Context, ref notify.MessageRef, text string) (notify.MessageRef, error) {
	n.replies = append(n.replies, text)
	return notify.MessageRef{ChatID: ref.ChatID, MessageID: ref.MessageID + 1}, nil
}

func (n *fakeNotifier) SendPrivateText(_ context.Context, _ int64, text string) error {
	n.privates = append(n.privates, text)
	return nil
}

type harness struct {
	store    *storetest.Store
	index    *index.Index
	notifier *fakeNotifier
	svc      *lifecycle.Service
}

func newHarness() *harness {
	st := storetest.New()
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})
	nt := &fakeNotifier{}
	return &harness{
		store:    st,
		index:    ix,
		notifier: nt,
		svc:      lifecycle.New(st, ix, nt, nil, lifecycle.Config{}),
	}
}

func (h *harness) seedRecommendation(mut func(*signal.Recommendation)) *signal.Recommendation {
	now := time.Now()
	rec := &signal.Recommendation{
		ID:              uuid.New(),
		AnalystID:       uuid.New(),
		Symbol:          "BTCUSDT",
		Market:          market.MarketFutures,
		Side:            signal.SideLong,
		Entry:           dec("60000"),
		StopLoss:        dec("59000"),
		Targets:         []signal.Target{{Price: dec("61000"), ClosePercent: dec("100")}},
		OrderType:       signal.OrderLimit,
		Status:          signal.StatusPending,
		OpenSizePercent: dec("100"),
		RealizedPnL:     decimal.Zero,
		ExitStrategy:    signal.ExitCloseAtFinalTP,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mut != nil {
		mut(rec)
	}
	h.store.SeedRecommendation(rec)
	if !rec.IsShadow {
		h.index.Put(rec.TriggerSource())
	}
	return rec
}

func (h *harness) seedUserTrade(mut func(*signal.UserTrade)) *signal.UserTrade {
	now := time.Now()
	user, _ := h.store.EnsureUser(context.Background(), "tg:4242", 4242)
	srcID := uuid.New()
	trade := &signal.UserTrade{
		ID:                     uuid.New(),
		UserID:                 user.ID,
		SourceRecommendationID: &srcID,
		Symbol:                 "ETHUSDT",
		Market:                 market.MarketFutures,
		Side:                   signal.SideLong,
		Entry:                  dec("3000"),
		StopLoss:               dec("2900"),
		Targets:                []signal.Target{{Price: dec("3200"), ClosePercent: dec("100")}},
		OrderType:              signal.OrderLimit,
		Status:                 signal.StatusPendingActivation,
		OpenSizePercent:        dec("100"),
		RealizedPnL:            decimal.Zero,
		ExitStrategy:           signal.ExitCloseAtFinalTP,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if mut != nil {
		mut(trade)
	}
	h.store.SeedUserTrade(trade)
	h.index.Put(trade.TriggerSource())
	return trade
}

func (h *harness) recEventTypes(id uuid.UUID) []signal.EventType {
	events, _ := h.store.ListRecommendationEvents(context.Background(), id)
	types := make([]signal.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func (h *harness) lastRecEvent(t *testing.T, id uuid.UUID) signal.Event {
	t.Helper()
	events, _ := h.store.ListRecommendationEvents(context.Background(), id)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func triggerTypes(triggers []signal.Trigger) []signal.TriggerType {
	types := make([]signal.TriggerType, 0, len(triggers))
	for _, trig := range triggers {
		types = append(types, trig.Type)
	}
	return types
}

func TestActivateFillsPendingEntry(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(nil)
	ctx := context.Background()

	require.Equal(t, []signal.TriggerType{signal.TriggerEntry}, triggerTypes(h.index.Snapshot("BTCUSDT")))

	require.NoError(t, h.svc.Activate(ctx, signal.KindRecommendation, rec.ID, dec("60000"), market.SourceBinance))

	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusActive, got.Status)
	require.NotNil(t, got.ActivatedAt)

	require.Equal(t, []signal.EventType{signal.EventActivated}, h.recEventTypes(rec.ID))
	event := h.lastRecEvent(t, rec.ID)
	require.Equal(t, string(market.SourceBinance), event.Payload.Source)
	require.NotNil(t, event.Payload.Price)
	require.True(t, event.Payload.Price.Equal(dec("60000")))

	require.ElementsMatch(t,
		[]signal.TriggerType{signal.TriggerSL, signal.TriggerTP},
		triggerTypes(h.index.Snapshot("BTCUSDT")))

	// replayed fill from a second source is absorbed without a second event
	require.NoError(t, h.svc.Activate(ctx, signal.KindRecommendation, rec.ID, dec("60001"), market.SourceBybit))
	require.Equal(t, []signal.EventType{signal.EventActivated}, h.recEventTypes(rec.ID))
}

func TestFinalTargetAutoCloses(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Status = signal.StatusActive
	})
	ctx := context.Background()

	require.NoError(t, h.svc.TakeProfitHit(ctx, signal.KindRecommendation, rec.ID, 1, dec("61000"), market.SourceBinance))

	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	require.True(t, got.ExitPrice.Equal(dec("61000")))
	require.True(t, got.OpenSizePercent.IsZero())
	require.NotNil(t, got.ClosedAt)
	require.InDelta(t, 1.6667, got.RealizedPnL.InexactFloat64(), 1e-3)

	require.Equal(t,
		[]signal.EventType{signal.TPHit(1), signal.EventPartial, signal.EventFinalClose},
		h.recEventTypes(rec.ID))
	require.Equal(t, signal.CloseAutoFinalTP, h.lastRecEvent(t, rec.ID).Payload.Reason)

	require.Empty(t, h.index.Snapshot("BTCUSDT"))
}

func TestStopBeforeEntryInvalidates(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Symbol = "ETHUSDT"
		rec.Side = signal.SideShort
		rec.Entry = dec("3000")
		rec.StopLoss = dec("3100")
		rec.Targets = []signal.Target{{Price: dec("2900"), ClosePercent: dec("100")}}
	})
	ctx := context.Background()

	require.NoError(t, h.svc.Invalidate(ctx, signal.KindRecommendation, rec.ID, dec("3100"), market.SourceBybit))

	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	require.True(t, got.ExitPrice.Equal(dec("3100")))
	require.True(t, got.RealizedPnL.IsZero())
	require.Equal(t, []signal.EventType{signal.EventInvalidated}, h.recEventTypes(rec.ID))
	require.Empty(t, h.index.Snapshot("ETHUSDT"))

	// a replay after the first invalidation is a no-op
	require.NoError(t, h.svc.Invalidate(ctx, signal.KindRecommendation, rec.ID, dec("3100"), market.SourceBinance))
	require.Equal(t, []signal.EventType{signal.EventInvalidated}, h.recEventTypes(rec.ID))
}

func TestPartialLadderClosesViaResidual(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Symbol = "SOLUSDT"
		rec.Entry = dec("100")
		rec.StopLoss = dec("95")
		rec.Targets = []signal.Target{
			{Price: dec("110"), ClosePercent: dec("50")},
			{Price: dec("120"), ClosePercent: dec("50")},
		}
		rec.Status = signal.StatusActive
		rec.ExitStrategy = signal.ExitManualCloseOnly
	})
	ctx := context.Background()

	require.NoError(t, h.svc.TakeProfitHit(ctx, signal.KindRecommendation, rec.ID, 1, dec("110"), market.SourceBinance))
	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusActive, got.Status)
	require.True(t, got.OpenSizePercent.Equal(dec("50")))
	require.True(t, got.RealizedPnL.Equal(dec("5")))

	require.NoError(t, h.svc.TakeProfitHit(ctx, signal.KindRecommendation, rec.ID, 2, dec("120"), market.SourceBinance))
	got, err = h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusClosed, got.Status)
	require.True(t, got.OpenSizePercent.IsZero())
	require.True(t, got.RealizedPnL.Equal(dec("15")))

	require.Equal(t,
		[]signal.EventType{
			signal.TPHit(1), signal.EventPartial,
			signal.TPHit(2), signal.EventPartial,
			signal.EventFinalClose,
		},
		h.recEventTypes(rec.ID))
	require.Equal(t, signal.CloseViaPartial, h.lastRecEvent(t, rec.ID).Payload.Reason)
}

func TestTakeProfitReplayNoOps(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Targets = []signal.Target{
			{Price: dec("61000"), ClosePercent: dec("50")},
			{Price: dec("62000"), ClosePercent: dec("50")},
		}
		rec.Status = signal.StatusActive
	})
	ctx := context.Background()

	require.NoError(t, h.svc.TakeProfitHit(ctx, signal.KindRecommendation, rec.ID, 1, dec("61000"), market.SourceBinance))
	require.NoError(t, h.svc.TakeProfitHit(ctx, signal.KindRecommendation, rec.ID, 1, dec("61000"), market.SourceBybit))

	require.Equal(t, []signal.EventType{signal.TPHit(1), signal.EventPartial}, h.recEventTypes(rec.ID))
	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.OpenSizePercent.Equal(dec("50")))
}

func TestStopLossCloseIsWrittenOnce(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Status = signal.StatusActive
	})
	ctx := context.Background()

	require.NoError(t, h.svc.StopLossHit(ctx, signal.KindRecommendation, rec.ID, dec("59000"), market.SourceBinance))
	require.NoError(t, h.svc.StopLossHit(ctx, signal.KindRecommendation, rec.ID, dec("59000"), market.SourceBinance))

	require.Equal(t, []signal.EventType{signal.EventSLHit, signal.EventFinalClose}, h.recEventTypes(rec.ID))

	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusClosed, got.Status)
	require.True(t, got.RealizedPnL.IsNegative())
	require.Equal(t, signal.CloseSLHit, h.lastRecEvent(t, rec.ID).Payload.Reason)
	require.Empty(t, h.index.Snapshot("BTCUSDT"))
}

func TestConcurrentCloseWritesSingleFinalClose(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Status = signal.StatusActive
	})

	const racers = 4
	errc := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- h.svc.Close(context.Background(), signal.KindRecommendation, rec.ID, dec("61500"))
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	require.Equal(t, []signal.EventType{signal.EventFinalClose}, h.recEventTypes(rec.ID))
	got, err := h.store.GetRecommendation(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	require.True(t, got.ExitPrice.Equal(dec("61500")))
}

func TestProfitStopClosesPosition(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.Status = signal.StatusActive
		rec.ProfitStop = signal.ProfitStop{
			Mode:   signal.ProfitStopFixed,
			Price:  dec("60500"),
			Active: true,
		}
	})
	ctx := context.Background()

	require.NoError(t, h.svc.ProfitStopHit(ctx, signal.KindRecommendation, rec.ID, dec("60500"), market.SourceBinance))

	got, err := h.store.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, signal.StatusClosed, got.Status)
	require.False(t, got.ProfitStop.Active)
	require.Equal(t, []signal.EventType{signal.EventProfitStopHit, signal.EventFinalClose}, h.recEventTypes(rec.ID))
	require.Equal(t, signal.CloseProfitStop, h.lastRecEvent(t, rec.ID).Payload.Reason)
}

func TestRecommendationNoticesRefreshCards(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(nil)
	h.store.SeedPublishedMessage(signal.PublishedMessage{ID: 1, RecommendationID: rec.ID, ChannelID: -100500, MessageID: 7})
	h.store.SeedPublishedMessage(signal.PublishedMessage{ID: 2, RecommendationID: rec.ID, ChannelID: -100600, MessageID: 9})
	ctx := context.Background()

	require.NoError(t, h.svc.Activate(ctx, signal.KindRecommendation, rec.ID, dec("60000"), market.SourceBinance))

	require.Len(t, h.notifier.edits, 2)
	require.Equal(t, notify.MessageRef{ChatID: -100500, MessageID: 7}, h.notifier.edits[0])
	require.Len(t, h.notifier.replies, 2)
	require.Contains(t, h.notifier.replies[0], "Entry filled")
}

func TestUserTradeNoticesGoDirect(t *testing.T) {
	h := newHarness()
	trade := h.seedUserTrade(nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Activate(ctx, signal.KindUserTrade, trade.ID, dec("3000"), market.SourceBybit))

	require.Empty(t, h.notifier.edits)
	require.Len(t, h.notifier.privates, 1)
	require.True(t, strings.HasPrefix(h.notifier.privates[0], notify.TradeHeader("ETHUSDT", signal.SideLong)))
	require.Contains(t, h.notifier.privates[0], "Entry filled")
}

func TestShadowRecommendationStaysUnindexed(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(func(rec *signal.Recommendation) {
		rec.IsShadow = true
	})
	ctx := context.Background()

	require.NoError(t, h.svc.UpdateStopLoss(ctx, signal.KindRecommendation, rec.ID, dec("59500")))

	require.Empty(t, h.index.Snapshot("BTCUSDT"))
}

func TestMissingEntityMapsToNotFound(t *testing.T) {
	h := newHarness()
	err := h.svc.Activate(context.Background(), signal.KindRecommendation, uuid.New(), dec("1"), market.SourceBinance)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestStoreFailureMapsToTransient(t *testing.T) {
	h := newHarness()
	rec := h.seedRecommendation(nil)
	h.store.TxErr = errors.New("connection reset")

	err := h.svc.Activate(context.Background(), signal.KindRecommendation, rec.ID, dec("60000"), market.SourceBinance)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindTransient))
}
