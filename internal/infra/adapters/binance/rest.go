package binance

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
)

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// Quote fetches the last traded price for a futures symbol.
func (f *Feed) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	canonical := market.NormalizeSymbol(symbol)
	if canonical == "" {
		return decimal.Zero, errs.Validation("feed/binance", "symbol required")
	}

	var result tickerPriceResponse
	resp, err := f.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", canonical).
		SetResult(&result).
		Get(f.opts.tickerPriceEndpoint())
	if err != nil {
		return decimal.Zero, errs.New("feed/binance", errs.KindAdapter,
			errs.WithMessage("ticker price request failed"),
			errs.WithField("symbol", canonical),
			errs.WithCause(err))
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, errs.New("feed/binance", errs.KindAdapter,
			errs.WithMessage("ticker price request rejected"),
			errs.WithHTTP(resp.StatusCode()),
			errs.WithRawMessage(strings.TrimSpace(resp.String())),
			errs.WithField("symbol", canonical))
	}

	price, err := decimal.NewFromString(strings.TrimSpace(result.Price))
	if err != nil {
		return decimal.Zero, errs.New("feed/binance", errs.KindAdapter,
			errs.WithMessage("ticker price unparseable"),
			errs.WithRawMessage(result.Price),
			errs.WithField("symbol", canonical),
			errs.WithCause(err))
	}
	if !price.IsPositive() {
		return decimal.Zero, errs.New("feed/binance", errs.KindAdapter,
			errs.WithMessage("ticker price not positive"),
			errs.WithRawMessage(price.String()),
			errs.WithField("symbol", canonical))
	}
	return price, nil
}
