package aggregator_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/volitrade/sentinel/internal/app/aggregator"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/observability"
)

func tick(symbol, price string, source market.Source) market.Tick {
	p := decimal.RequireFromString(price)
	return market.Tick{
		Symbol: symbol,
		Market: market.MarketFutures,
		Low:    p,
		High:   p,
		Source: source,
		At:     time.Now(),
	}
}

type streamStart struct {
	symbols []string
	handler market.Handler
	ctx     context.Context
}

// fakeFeed reports each Stream launch on started, then blocks until its
// context ends, like a live websocket subscription would.
type fakeFeed struct {
	source  market.Source
	started chan streamStart
}

func newFakeFeed(source market.Source) *fakeFeed {
	return &fakeFeed{source: source, started: make(chan streamStart, 8)}
}

func (f *fakeFeed) Source() market.Source { return f.source }

func (f *fakeFeed) Stream(ctx context.Context, symbols []string, handler market.Handler) error {
	f.started <- streamStart{symbols: slices.Clone(symbols), handler: handler, ctx: ctx}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) Quote(context.Context, string) (decimal.Decimal, error) {
	return decimal.Decimal{}, errors.New("fake feed has no quotes")
}

func awaitStart(t *testing.T, feed *fakeFeed) streamStart {
	t.Helper()
	select {
	case start := <-feed.started:
		return start
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not start")
		return streamStart{}
	}
}

func requireNoStart(t *testing.T, feed *fakeFeed) {
	t.Helper()
	select {
	case start := <-feed.started:
		t.Fatalf("unexpected stream launch for %v", start.symbols)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSymbols struct {
	mu   sync.Mutex
	list []string
}

func (s *fakeSymbols) set(list []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = slices.Clone(list)
}

func (s *fakeSymbols) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.list)
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	runtime := observability.NewRuntimeMetrics()
	queue := aggregator.NewQueue(2, runtime)

	queue.Enqueue(tick("BTCUSDT", "60000", market.SourceBinance))
	queue.Enqueue(tick("BTCUSDT", "60001", market.SourceBinance))
	queue.Enqueue(tick("BTCUSDT", "60002", market.SourceBybit))

	first, ok := queue.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "60001", first.Low.String())

	second, ok := queue.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "60002", second.Low.String())
	require.Zero(t, queue.Len())

	snapshot := runtime.Snapshot()
	require.Equal(t, int64(1), snapshot.DroppedTicks[string(market.SourceBinance)])
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	queue := aggregator.NewQueue(4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := queue.Dequeue(ctx)
	require.False(t, ok)
}

func TestEnsureWatchingLaunchesEveryFeed(t *testing.T) {
	binance := newFakeFeed(market.SourceBinance)
	bybit := newFakeFeed(market.SourceBybit)
	queue := aggregator.NewQueue(8, nil)
	agg := aggregator.New([]market.Feed{binance, bybit}, queue, &fakeSymbols{}, nil, aggregator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.EnsureWatching(ctx, []string{"ethusdt", "BTC-USDT", "BTCUSDT"})

	want := []string{"BTCUSDT", "ETHUSDT"}
	require.Equal(t, want, awaitStart(t, binance).symbols)
	require.Equal(t, want, awaitStart(t, bybit).symbols)
	require.Equal(t, want, agg.Watched())
}

func TestEnsureWatchingUnchangedSetNoops(t *testing.T) {
	feed := newFakeFeed(market.SourceBinance)
	queue := aggregator.NewQueue(8, nil)
	agg := aggregator.New([]market.Feed{feed}, queue, &fakeSymbols{}, nil, aggregator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.EnsureWatching(ctx, []string{"BTCUSDT", "ETHUSDT"})
	awaitStart(t, feed)

	agg.EnsureWatching(ctx, []string{"eth/usdt", "btcusdt"})
	requireNoStart(t, feed)
}

func TestEnsureWatchingRelaunchesOnChange(t *testing.T) {
	feed := newFakeFeed(market.SourceBinance)
	queue := aggregator.NewQueue(8, nil)
	agg := aggregator.New([]market.Feed{feed}, queue, &fakeSymbols{}, nil, aggregator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.EnsureWatching(ctx, []string{"BTCUSDT"})
	first := awaitStart(t, feed)

	agg.EnsureWatching(ctx, []string{"BTCUSDT", "SOLUSDT"})
	second := awaitStart(t, feed)

	require.ErrorIs(t, first.ctx.Err(), context.Canceled)
	require.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, second.symbols)
}

func TestEnsureWatchingEmptySetStopsStreams(t *testing.T) {
	feed := newFakeFeed(market.SourceBinance)
	queue := aggregator.NewQueue(8, nil)
	agg := aggregator.New([]market.Feed{feed}, queue, &fakeSymbols{}, nil, aggregator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.EnsureWatching(ctx, []string{"BTCUSDT"})
	first := awaitStart(t, feed)

	agg.EnsureWatching(ctx, nil)

	require.ErrorIs(t, first.ctx.Err(), context.Canceled)
	require.Empty(t, agg.Watched())
	requireNoStart(t, feed)
}

func TestTicksFlowIntoQueue(t *testing.T) {
	feed := newFakeFeed(market.SourceBinance)
	runtime := observability.NewRuntimeMetrics()
	queue := aggregator.NewQueue(8, runtime)
	agg := aggregator.New([]market.Feed{feed}, queue, &fakeSymbols{}, runtime, aggregator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.EnsureWatching(ctx, []string{"BTCUSDT"})
	start := awaitStart(t, feed)

	start.handler(tick("BTCUSDT", "60500", market.SourceBinance))

	got, ok := queue.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", got.Symbol)
	require.Equal(t, "60500", got.High.String())

	snapshot := runtime.Snapshot()
	require.Equal(t, int64(1), snapshot.TicksBySource[string(market.SourceBinance)])
}

func TestRunReconcilesOnInterval(t *testing.T) {
	feed := newFakeFeed(market.SourceBinance)
	queue := aggregator.NewQueue(8, nil)
	symbols := &fakeSymbols{}
	symbols.set([]string{"BTCUSDT"})
	agg := aggregator.New([]market.Feed{feed}, queue, symbols, nil, aggregator.Config{ReconcileInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	first := awaitStart(t, feed)
	require.Equal(t, []string{"BTCUSDT"}, first.symbols)

	symbols.set([]string{"ETHUSDT"})
	second := awaitStart(t, feed)
	require.Equal(t, []string{"ETHUSDT"}, second.symbols)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	require.Empty(t, agg.Watched())
}
