package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/signal"
)

// EscapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as syntax. All dynamic values must pass through it before being
// embedded in a card or reply.
func EscapeMarkdownV2(s string) string {
	specials := "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func money(d decimal.Decimal) string {
	return EscapeMarkdownV2(d.String())
}

func pct(d decimal.Decimal) string {
	s := d.Round(2).String()
	if !d.IsNegative() {
		s = "+" + s
	}
	return EscapeMarkdownV2(s + "%")
}

// TrackButton is the inline action that lets a subscriber copy a live
// recommendation into their watch list.
func TrackButton(recommendationID string) Button {
	return Button{Label: "📈 Track", Data: "track:" + recommendationID}
}

// RecommendationCard renders the broadcast card for a recommendation. hits
// marks target ordinals (1-based) whose take-profit already filled; the
// renderer decorates those lines so an edited card shows progress in place.
func RecommendationCard(rec *signal.Recommendation, hits map[int]bool) Card {
	var b strings.Builder

	icon := "🟢"
	if rec.Side == signal.SideShort {
		icon = "🔴"
	}
	fmt.Fprintf(&b, "%s *%s %s*\n", icon, rec.Side, EscapeMarkdownV2(rec.Symbol))
	fmt.Fprintf(&b, "_%s · %s_\n\n", EscapeMarkdownV2(string(rec.Status)), EscapeMarkdownV2(string(rec.OrderType)))

	fmt.Fprintf(&b, "Entry: %s\n", money(rec.Entry))
	fmt.Fprintf(&b, "SL: %s\n", money(rec.StopLoss))
	for i, target := range rec.Targets {
		marker := ""
		if hits[i+1] {
			marker = " ✅"
		}
		fmt.Fprintf(&b, "TP%d: %s %s%s\n", i+1, money(target.Price), pct0(target.ClosePercent), marker)
	}
	if rec.ProfitStop.Enabled() {
		fmt.Fprintf(&b, "Profit stop: %s%s\n", money(rec.ProfitStop.Price), trailSuffix(rec.ProfitStop))
	}

	if rec.Status.Terminal() || !rec.RealizedPnL.IsZero() {
		fmt.Fprintf(&b, "\nPnL: %s\n", pct(rec.RealizedPnL))
	}
	if rec.ExitPrice != nil {
		fmt.Fprintf(&b, "Exit: %s\n", money(*rec.ExitPrice))
	}

	card := Card{Text: strings.TrimRight(b.String(), "\n")}
	if !rec.Status.Terminal() {
		card.Buttons = []Button{TrackButton(rec.ID.String())}
	}
	return card
}

// pct0 renders an unsigned percent share, parenthesised.
func pct0(d decimal.Decimal) string {
	return EscapeMarkdownV2("(" + d.String() + "%)")
}

func trailSuffix(p signal.ProfitStop) string {
	if p.Mode != signal.ProfitStopTrailing {
		return ""
	}
	if p.Unit == signal.TrailPercent {
		return EscapeMarkdownV2(" (trailing " + p.Trail.String() + "%)")
	}
	return EscapeMarkdownV2(" (trailing " + p.Trail.String() + ")")
}

// TradeHeader prefixes direct-message bodies with the instrument so a DM
// stream stays readable without a card thread.
func TradeHeader(symbol string, side signal.Side) string {
	return fmt.Sprintf("%s %s: ", EscapeMarkdownV2(symbol), side)
}

// ActivatedText announces an entry fill.
func ActivatedText(price decimal.Decimal) string {
	return "✅ Entry filled @ " + money(price)
}

// TakeProfitText announces a take-profit fill with the PnL realized so far.
func TakeProfitText(n int, price, realized decimal.Decimal) string {
	return fmt.Sprintf("🎯 TP%d hit @ %s · realized %s", n, money(price), pct(realized))
}

// PartialCloseText announces a standalone partial close.
func PartialCloseText(percent, price, realized decimal.Decimal) string {
	return fmt.Sprintf("✂️ Closed %s @ %s · realized %s",
		EscapeMarkdownV2(percent.String()+"%"), money(price), pct(realized))
}

// StopLossText announces a stop-loss close.
func StopLossText(price, pnl decimal.Decimal) string {
	return "🛑 Stop loss hit @ " + money(price) + " · closed " + pct(pnl)
}

// ProfitStopText announces an in-profit stop close.
func ProfitStopText(price, pnl decimal.Decimal) string {
	return "🔒 Profit stop hit @ " + money(price) + " · closed " + pct(pnl)
}

// InvalidatedText announces a stop cross before the entry ever filled.
func InvalidatedText(price decimal.Decimal) string {
	return "⚠️ Stop crossed before entry @ " + money(price) + " · invalidated"
}

// ClosedText announces a terminal close for the given reason.
func ClosedText(reason signal.CloseReason, exit, pnl decimal.Decimal) string {
	var label string
	switch reason {
	case signal.CloseAutoFinalTP:
		label = "🏁 Final target reached"
	case signal.CloseViaPartial:
		label = "🏁 Position fully closed"
	case signal.CloseSLHit:
		return StopLossText(exit, pnl)
	case signal.CloseProfitStop:
		return ProfitStopText(exit, pnl)
	case signal.CloseInvalidated:
		return InvalidatedText(exit)
	default:
		label = "🏁 Closed manually"
	}
	return label + " @ " + money(exit) + " · total " + pct(pnl)
}

// StopMovedText announces a stop-loss adjustment.
func StopMovedText(previous, next decimal.Decimal) string {
	return "🔁 Stop moved " + money(previous) + " → " + money(next)
}

// EntryMovedText announces a pending entry adjustment.
func EntryMovedText(previous, next decimal.Decimal) string {
	return "🔁 Entry moved " + money(previous) + " → " + money(next)
}

// TargetsUpdatedText announces a replaced target ladder.
func TargetsUpdatedText(targets []signal.Target) string {
	parts := make([]string, len(targets))
	for i, target := range targets {
		parts[i] = fmt.Sprintf("TP%d %s %s", i+1, money(target.Price), pct0(target.ClosePercent))
	}
	return "🎯 Targets updated: " + strings.Join(parts, ", ")
}

// ExitStrategyText announces a changed exit strategy.
func ExitStrategyText(strategy signal.ExitStrategy) string {
	return "⚙️ Exit strategy set to " + EscapeMarkdownV2(string(strategy))
}

// PublishFailureText summarises a partially failed broadcast for the analyst.
func PublishFailureText(symbol string, failed, total int) string {
	return fmt.Sprintf("⚠️ %s: card posted to %d/%d channels; failed channels will be retried on the next edit",
		EscapeMarkdownV2(symbol), total-failed, total)
}
