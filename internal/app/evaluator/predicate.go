package evaluator

import (
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/signal"
)

// crossed reports whether tick crosses trig at price. Bounds are inclusive:
// touching the level is a hit.
func crossed(tick market.Tick, trig signal.Trigger, price decimal.Decimal) bool {
	switch trig.Type {
	case signal.TriggerEntry:
		return entryCrossed(tick, trig)
	case signal.TriggerSL, signal.TriggerProfitStop:
		return stopCrossed(tick, trig.Side, price)
	case signal.TriggerTP:
		return profitCrossed(tick, trig.Side, price)
	default:
		return false
	}
}

// entryCrossed selects the cross direction from the order type: LIMIT entries
// fill on a pullback to the level, STOP_MARKET entries on a breakout through it.
func entryCrossed(tick market.Tick, trig signal.Trigger) bool {
	breakout := trig.OrderType == signal.OrderStopMarket
	if trig.Side == signal.SideLong {
		if breakout {
			return tick.High.GreaterThanOrEqual(trig.Price)
		}
		return tick.Low.LessThanOrEqual(trig.Price)
	}
	if breakout {
		return tick.Low.LessThanOrEqual(trig.Price)
	}
	return tick.High.GreaterThanOrEqual(trig.Price)
}

// stopCrossed reports a cross on the loss side of the position.
func stopCrossed(tick market.Tick, side signal.Side, price decimal.Decimal) bool {
	if side == signal.SideLong {
		return tick.Low.LessThanOrEqual(price)
	}
	return tick.High.GreaterThanOrEqual(price)
}

// profitCrossed reports a cross on the profit side of the position.
func profitCrossed(tick market.Tick, side signal.Side, price decimal.Decimal) bool {
	if side == signal.SideLong {
		return tick.High.GreaterThanOrEqual(price)
	}
	return tick.Low.LessThanOrEqual(price)
}
