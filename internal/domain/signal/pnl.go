package signal

import "github.com/shopspring/decimal"

var (
	one = decimal.NewFromInt(1)

	// ResidualCloseThreshold is the open-size floor below which a position is
	// considered fully closed.
	ResidualCloseThreshold = decimal.RequireFromString("0.1")

	bpsDenominator = decimal.NewFromInt(10000)
)

// PartPnL returns the percent profit of closing one part at exit, given the
// entry. LONG: (exit/entry - 1) * 100. SHORT: (1 - exit/entry) * 100.
func PartPnL(side Side, entry, exit decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	ratio := exit.Div(entry)
	if side == SideLong {
		return ratio.Sub(one).Mul(hundred)
	}
	return one.Sub(ratio).Mul(hundred)
}

// WeightedPnL returns the contribution of closing `percent` of the full
// position at `partPnL` percent, normalized to the whole position.
func WeightedPnL(percent, partPnL decimal.Decimal) decimal.Decimal {
	return percent.Div(hundred).Mul(partPnL)
}

// BreakEvenPrice returns the stop level at entry shifted by bufferBps basis
// points toward the profit side, so the fee-adjusted worst case is flat.
func BreakEvenPrice(side Side, entry decimal.Decimal, bufferBps int64) decimal.Decimal {
	buffer := decimal.NewFromInt(bufferBps).Div(bpsDenominator)
	if side == SideLong {
		return entry.Mul(one.Add(buffer))
	}
	return entry.Mul(one.Sub(buffer))
}

// EffectiveTrailingStop computes the stop implied by a favourable-extreme
// watermark and a trail distance. The result never retreats below (LONG)
// or above (SHORT) the configured floor.
func EffectiveTrailingStop(side Side, watermark, trail decimal.Decimal, unit TrailUnit, floor decimal.Decimal) decimal.Decimal {
	distance := trail
	if unit == TrailPercent {
		distance = watermark.Mul(trail.Div(hundred))
	}
	var stop decimal.Decimal
	if side == SideLong {
		stop = watermark.Sub(distance)
		if stop.LessThan(floor) {
			return floor
		}
		return stop
	}
	stop = watermark.Add(distance)
	if floor.IsPositive() && stop.GreaterThan(floor) {
		return floor
	}
	return stop
}
