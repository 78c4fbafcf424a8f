// Package market defines the normalized price tick model shared by exchange
// adapters, the aggregator, and the evaluator.
package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
)

// Source labels the exchange feed a tick originated from.
type Source string

const (
	// SourceBinance identifies the Binance USDT-margined futures feed.
	SourceBinance Source = "BINANCE"
	// SourceBybit identifies the Bybit linear perpetuals feed.
	SourceBybit Source = "BYBIT"
)

// Market identifies the venue segment a tick or entity refers to.
type Market string

const (
	// MarketFutures identifies USDT-margined perpetual futures.
	MarketFutures Market = "FUTURES"
	// MarketSpot is reserved for spot listings.
	MarketSpot Market = "SPOT"
)

// NormalizeSource parses a source label, tolerating case and padding.
func NormalizeSource(raw string) (Source, error) {
	source := Source(strings.ToUpper(strings.TrimSpace(raw)))
	switch source {
	case SourceBinance, SourceBybit:
		return source, nil
	default:
		return "", errs.New("market/source", errs.KindValidation, errs.WithMessage("unsupported source "+raw))
	}
}

// Validate ensures the source is one of the supported feeds.
func (s Source) Validate() error {
	_, err := NormalizeSource(string(s))
	return err
}

// Tick is one enriched price observation. Low and High are the extrema seen
// since the source's previous frame; a point tick has Low == High.
type Tick struct {
	Symbol string
	Market Market
	Low    decimal.Decimal
	High   decimal.Decimal
	Source Source
	At     time.Time
}

// Validate checks structural tick sanity. Malformed ticks are dropped at the
// adapter boundary, never forwarded.
func (t Tick) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return errs.New("market/tick", errs.KindValidation, errs.WithMessage("symbol required"))
	}
	if !t.Low.IsPositive() || !t.High.IsPositive() {
		return errs.New("market/tick", errs.KindValidation, errs.WithMessage("prices must be positive"))
	}
	if t.High.LessThan(t.Low) {
		return errs.New("market/tick", errs.KindValidation, errs.WithMessage("high below low"))
	}
	if err := t.Source.Validate(); err != nil {
		return err
	}
	return nil
}

// NormalizeSymbol canonicalizes an asset symbol: uppercase, no separators.
func NormalizeSymbol(symbol string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(symbol))
	cleaned = strings.ReplaceAll(cleaned, "/", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	return cleaned
}
