package signal

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
)

var hundred = decimal.NewFromInt(100)

func invalid(msg string) error {
	return errs.New("signal/validate", errs.KindValidation, errs.WithMessage(msg))
}

// Validate checks the semantic invariants of a recommendation.
// CLOSED rows are immutable and validated only for structural sanity.
func (r *Recommendation) Validate() error {
	if !r.Status.ValidFor(KindRecommendation) {
		return invalid("status " + string(r.Status) + " not valid for recommendations")
	}
	if r.AnalystID == uuid.Nil {
		return invalid("analyst id required")
	}
	return validateCore(coreFields{
		symbol:     r.Symbol,
		market:     r.Market,
		side:       r.Side,
		entry:      r.Entry,
		stopLoss:   r.StopLoss,
		targets:    r.Targets,
		orderType:  r.OrderType,
		openSize:   r.OpenSizePercent,
		exit:       r.ExitStrategy,
		profitStop: r.ProfitStop,
		terminal:   r.Status.Terminal(),
	})
}

// Validate checks the semantic invariants of a user trade. Watchlist entries
// skip the trigger-level checks; they are parked, not armed.
func (t *UserTrade) Validate() error {
	if !t.Status.ValidFor(KindUserTrade) {
		return invalid("status " + string(t.Status) + " not valid for user trades")
	}
	if t.UserID == uuid.Nil {
		return invalid("user id required")
	}
	if t.SourceRecommendationID == nil && strings.TrimSpace(t.SourceForwardedText) == "" && t.Status != StatusWatchlist {
		return invalid("a source recommendation or forwarded text is required")
	}
	return validateCore(coreFields{
		symbol:     t.Symbol,
		market:     t.Market,
		side:       t.Side,
		entry:      t.Entry,
		stopLoss:   t.StopLoss,
		targets:    t.Targets,
		orderType:  t.OrderType,
		openSize:   t.OpenSizePercent,
		exit:       t.ExitStrategy,
		profitStop: t.ProfitStop,
		terminal:   t.Status.Terminal(),
	})
}

type coreFields struct {
	symbol     string
	market     market.Market
	side       Side
	entry      decimal.Decimal
	stopLoss   decimal.Decimal
	targets    []Target
	orderType  OrderType
	openSize   decimal.Decimal
	exit       ExitStrategy
	profitStop ProfitStop
	terminal   bool
}

func validateCore(f coreFields) error {
	if market.NormalizeSymbol(f.symbol) == "" {
		return invalid("symbol required")
	}
	if f.market != market.MarketFutures && f.market != market.MarketSpot {
		return invalid("unknown market " + string(f.market))
	}
	if f.side != SideLong && f.side != SideShort {
		return invalid("side must be LONG or SHORT")
	}
	switch f.orderType {
	case OrderMarket, OrderLimit, OrderStopMarket:
	default:
		return invalid("unknown order type " + string(f.orderType))
	}
	switch f.exit {
	case ExitCloseAtFinalTP, ExitManualCloseOnly:
	default:
		return invalid("unknown exit strategy " + string(f.exit))
	}
	if !f.entry.IsPositive() {
		return invalid("entry must be positive")
	}
	if !f.stopLoss.IsPositive() {
		return invalid("stop loss must be positive")
	}
	if f.openSize.IsNegative() || f.openSize.GreaterThan(hundred) {
		return invalid("open size percent must be within [0,100]")
	}
	if !f.terminal {
		if err := validateStopSide(f.side, f.entry, f.stopLoss); err != nil {
			return err
		}
		if err := ValidateTargets(f.side, f.entry, f.targets); err != nil {
			return err
		}
		return validateProfitStop(f.profitStop)
	}
	if err := validateTargetShares(f.targets); err != nil {
		return err
	}
	return validateProfitStop(f.profitStop)
}

// validateStopSide enforces the directional stop placement at creation time.
// Later SL updates (break-even, trailing) may relax the side and bypass it.
func validateStopSide(side Side, entry, stopLoss decimal.Decimal) error {
	if side == SideLong {
		if !stopLoss.LessThan(entry) {
			return invalid("LONG requires stop loss below entry")
		}
	} else if !stopLoss.GreaterThan(entry) {
		return invalid("SHORT requires stop loss above entry")
	}
	return nil
}

// ValidateTargets checks a target ladder against the entry: positive prices,
// strict directional ordering, and close shares summing to at most 100.
// Target replacements on live entities revalidate with this alone since the
// stop may legally sit past the entry by then.
func ValidateTargets(side Side, entry decimal.Decimal, targets []Target) error {
	prev := entry
	for _, target := range targets {
		if !target.Price.IsPositive() {
			return invalid("target price must be positive")
		}
		if side == SideLong {
			if !target.Price.GreaterThan(prev) {
				return invalid("LONG targets must ascend above entry")
			}
		} else if !target.Price.LessThan(prev) {
			return invalid("SHORT targets must descend below entry")
		}
		prev = target.Price
	}
	return validateTargetShares(targets)
}

func validateTargetShares(targets []Target) error {
	total := decimal.Zero
	for _, target := range targets {
		if target.ClosePercent.IsNegative() || target.ClosePercent.GreaterThan(hundred) {
			return invalid("target close percent must be within [0,100]")
		}
		total = total.Add(target.ClosePercent)
	}
	if total.GreaterThan(hundred) {
		return invalid("target close percents exceed 100")
	}
	return nil
}

func validateProfitStop(p ProfitStop) error {
	switch p.Mode {
	case ProfitStopNone, "":
		return nil
	case ProfitStopFixed:
		if !p.Price.IsPositive() {
			return invalid("fixed profit stop requires a positive price")
		}
		return nil
	case ProfitStopTrailing:
		if !p.Price.IsPositive() {
			return invalid("trailing profit stop requires a positive base price")
		}
		if !p.Trail.IsPositive() {
			return invalid("trailing profit stop requires a positive trail value")
		}
		if p.Unit != TrailPercent && p.Unit != TrailAbsolute {
			return invalid("trailing profit stop requires an explicit trail unit")
		}
		return nil
	default:
		return invalid("unknown profit stop mode " + string(p.Mode))
	}
}
