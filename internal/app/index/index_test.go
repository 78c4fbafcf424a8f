package index_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/volitrade/sentinel/internal/app/index"
	"github.com/volitrade/sentinel/internal/domain/signal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func activeLong(symbol string) signal.TriggerSource {
	return signal.TriggerSource{
		Kind:      signal.KindRecommendation,
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Symbol:    symbol,
		Side:      signal.SideLong,
		Status:    signal.StatusActive,
		OrderType: signal.OrderLimit,
		Entry:     dec("60000"),
		StopLoss:  dec("59000"),
		Targets: []signal.Target{
			{Price: dec("61000"), ClosePercent: dec("50")},
			{Price: dec("62000"), ClosePercent: dec("50")},
		},
	}
}

func pendingShort(symbol string) signal.TriggerSource {
	return signal.TriggerSource{
		Kind:      signal.KindUserTrade,
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Symbol:    symbol,
		Side:      signal.SideShort,
		Status:    signal.StatusPendingActivation,
		OrderType: signal.OrderLimit,
		Entry:     dec("3000"),
		StopLoss:  dec("3100"),
		Targets:   []signal.Target{{Price: dec("2900"), ClosePercent: dec("100")}},
	}
}

func TestReplaceAllSwapsWholeMap(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})

	ix.ReplaceAll([]signal.TriggerSource{activeLong("BTCUSDT"), pendingShort("ETHUSDT")})
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ix.Symbols())
	require.Len(t, ix.Snapshot("BTCUSDT"), 3)
	require.Len(t, ix.Snapshot("ETHUSDT"), 1)
	first := ix.Generation()

	ix.ReplaceAll([]signal.TriggerSource{pendingShort("ETHUSDT")})
	require.Equal(t, []string{"ETHUSDT"}, ix.Symbols())
	require.Nil(t, ix.Snapshot("BTCUSDT"))
	require.Greater(t, ix.Generation(), first)
}

func TestReplaceAllSkipsTerminalEntities(t *testing.T) {
	closed := activeLong("BTCUSDT")
	closed.Status = signal.StatusClosed

	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})
	ix.ReplaceAll([]signal.TriggerSource{closed})

	require.Empty(t, ix.Symbols())
	require.Zero(t, ix.Size())
}

func TestPutReplacesEntityTriggers(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})

	src := pendingShort("ETHUSDT")
	ix.Put(src)
	triggers := ix.Snapshot("ETHUSDT")
	require.Len(t, triggers, 1)
	require.Equal(t, signal.TriggerEntry, triggers[0].Type)

	// Activation swaps the single ENTRY trigger for SL + TP.
	src.Status = signal.StatusActivated
	ix.Put(src)
	triggers = ix.Snapshot("ETHUSDT")
	require.Len(t, triggers, 2)
	for _, trig := range triggers {
		require.NotEqual(t, signal.TriggerEntry, trig.Type)
		require.Equal(t, src.ID, trig.EntityID)
	}
}

func TestPutTerminalStateClearsEntity(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})

	src := activeLong("BTCUSDT")
	other := activeLong("BTCUSDT")
	ix.Put(src)
	ix.Put(other)
	require.Len(t, ix.Snapshot("BTCUSDT"), 6)

	src.Status = signal.StatusClosed
	ix.Put(src)

	triggers := ix.Snapshot("BTCUSDT")
	require.Len(t, triggers, 3)
	for _, trig := range triggers {
		require.Equal(t, other.ID, trig.EntityID)
	}
}

func TestRemoveDropsOnlyThatEntity(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})

	src := activeLong("BTCUSDT")
	other := pendingShort("BTCUSDT")
	ix.Put(src)
	ix.Put(other)

	ix.Remove(src.Kind, src.ID)
	triggers := ix.Snapshot("BTCUSDT")
	require.Len(t, triggers, 1)
	require.Equal(t, other.ID, triggers[0].EntityID)

	ix.Remove(other.Kind, other.ID)
	require.Nil(t, ix.Snapshot("BTCUSDT"))
	require.Empty(t, ix.Symbols())
}

func TestSnapshotIsACopy(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})
	src := activeLong("BTCUSDT")
	ix.Put(src)

	snapshot := ix.Snapshot("BTCUSDT")
	ix.Remove(src.Kind, src.ID)

	require.Len(t, snapshot, 3)
	require.Nil(t, ix.Snapshot("BTCUSDT"))
}

type fakeSnapshotSource struct {
	calls   int
	failing int
	sources []signal.TriggerSource
}

func (f *fakeSnapshotSource) ActiveTriggerSnapshot(context.Context) ([]signal.TriggerSource, error) {
	f.calls++
	if f.calls <= f.failing {
		return nil, errors.New("store offline")
	}
	return f.sources, nil
}

func TestRunnerRebuildSwapsSnapshot(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})
	source := &fakeSnapshotSource{sources: []signal.TriggerSource{activeLong("BTCUSDT")}}
	runner := index.NewRunner(ix, source, index.RunnerConfig{
		Interval:  time.Minute,
		RetryBase: time.Millisecond,
		RetryCap:  time.Millisecond,
	}, nil)

	require.NoError(t, runner.Rebuild(context.Background()))
	require.Len(t, ix.Snapshot("BTCUSDT"), 3)
}

func TestRunnerRetriesInitialRebuild(t *testing.T) {
	ix := index.New(signal.DeriveOptions{ProfitStopEnabled: true})
	source := &fakeSnapshotSource{
		failing: 2,
		sources: []signal.TriggerSource{pendingShort("ETHUSDT")},
	}
	runner := index.NewRunner(ix, source, index.RunnerConfig{
		Interval:  time.Hour,
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(ix.Snapshot("ETHUSDT")) == 1
	}, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, source.calls, 3)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
