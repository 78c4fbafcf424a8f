package notify_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEscapeMarkdownV2(t *testing.T) {
	require.Equal(t, `60000\.5`, notify.EscapeMarkdownV2("60000.5"))
	require.Equal(t, `\+1\.67%`, notify.EscapeMarkdownV2("+1.67%"))
	require.Equal(t, `a\_b\*c\[d\]`, notify.EscapeMarkdownV2("a_b*c[d]"))
	require.Equal(t, "plain", notify.EscapeMarkdownV2("plain"))
}

func sampleRecommendation() *signal.Recommendation {
	return &signal.Recommendation{
		ID:        uuid.New(),
		AnalystID: uuid.New(),
		Symbol:    "BTCUSDT",
		Market:    market.MarketFutures,
		Side:      signal.SideLong,
		Entry:     dec("60000"),
		StopLoss:  dec("59000"),
		Targets: []signal.Target{
			{Price: dec("61000"), ClosePercent: dec("50")},
			{Price: dec("62000"), ClosePercent: dec("50")},
		},
		OrderType:       signal.OrderLimit,
		Status:          signal.StatusActive,
		OpenSizePercent: dec("100"),
		RealizedPnL:     decimal.Zero,
		ExitStrategy:    signal.ExitCloseAtFinalTP,
	}
}

func TestRecommendationCardRendersLevels(t *testing.T) {
	card := notify.RecommendationCard(sampleRecommendation(), nil)

	require.Contains(t, card.Text, "🟢 *LONG BTCUSDT*")
	require.Contains(t, card.Text, "Entry: 60000")
	require.Contains(t, card.Text, "SL: 59000")
	require.Contains(t, card.Text, "TP1: 61000")
	require.Contains(t, card.Text, "TP2: 62000")
	require.NotContains(t, card.Text, "PnL")
	require.Len(t, card.Buttons, 1)
	require.True(t, strings.HasPrefix(card.Buttons[0].Data, "track:"))
}

func TestRecommendationCardMarksHitTargets(t *testing.T) {
	rec := sampleRecommendation()
	rec.RealizedPnL = dec("0.83")
	rec.OpenSizePercent = dec("50")

	card := notify.RecommendationCard(rec, map[int]bool{1: true})

	lines := strings.Split(card.Text, "\n")
	var tp1, tp2 string
	for _, line := range lines {
		if strings.HasPrefix(line, "TP1") {
			tp1 = line
		}
		if strings.HasPrefix(line, "TP2") {
			tp2 = line
		}
	}
	require.Contains(t, tp1, "✅")
	require.NotContains(t, tp2, "✅")
	require.Contains(t, card.Text, `PnL: \+0\.83%`)
}

func TestRecommendationCardClosedHasNoButtonsAndShowsExit(t *testing.T) {
	rec := sampleRecommendation()
	rec.Status = signal.StatusClosed
	exit := dec("61000")
	rec.ExitPrice = &exit
	rec.RealizedPnL = dec("1.67")

	card := notify.RecommendationCard(rec, map[int]bool{1: true, 2: true})

	require.Empty(t, card.Buttons)
	require.Contains(t, card.Text, "Exit: 61000")
	require.Contains(t, card.Text, `PnL: \+1\.67%`)
	require.Contains(t, card.Text, "CLOSED")
}

func TestRecommendationCardShowsTrailingProfitStop(t *testing.T) {
	rec := sampleRecommendation()
	rec.ProfitStop = signal.ProfitStop{
		Mode:   signal.ProfitStopTrailing,
		Price:  dec("60500"),
		Trail:  dec("1.5"),
		Unit:   signal.TrailPercent,
		Active: true,
	}

	card := notify.RecommendationCard(rec, nil)

	require.Contains(t, card.Text, "Profit stop: 60500")
	require.Contains(t, card.Text, "trailing 1\\.5%")
}

func TestLifecycleTexts(t *testing.T) {
	require.Equal(t, `✅ Entry filled @ 60000`, notify.ActivatedText(dec("60000")))
	require.Equal(t, `🎯 TP1 hit @ 61000 · realized \+0\.83%`, notify.TakeProfitText(1, dec("61000"), dec("0.83")))
	require.Equal(t, `🛑 Stop loss hit @ 59000 · closed \-1\.67%`, notify.StopLossText(dec("59000"), dec("-1.67")))
	require.Equal(t, `⚠️ Stop crossed before entry @ 3100 · invalidated`, notify.InvalidatedText(dec("3100")))
	require.Equal(t, `🔁 Stop moved 59000 → 60030`, notify.StopMovedText(dec("59000"), dec("60030")))
}

func TestClosedTextRoutesByReason(t *testing.T) {
	require.Contains(t, notify.ClosedText(signal.CloseAutoFinalTP, dec("61000"), dec("1.67")), "Final target")
	require.Contains(t, notify.ClosedText(signal.CloseViaPartial, dec("120"), dec("15")), "fully closed")
	require.Contains(t, notify.ClosedText(signal.CloseSLHit, dec("59000"), dec("-1.67")), "Stop loss")
	require.Contains(t, notify.ClosedText(signal.CloseManual, dec("60500"), dec("0.83")), "manually")
}

func TestTradeHeader(t *testing.T) {
	require.Equal(t, "ETHUSDT SHORT: ", notify.TradeHeader("ETHUSDT", signal.SideShort))
}
