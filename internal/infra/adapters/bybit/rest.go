package bybit

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
)

type tickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string         `json:"category"`
		List     []tickerRecord `json:"list"`
	} `json:"result"`
}

type tickerRecord struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

// Quote fetches the last traded price for a linear perpetual symbol.
func (f *Feed) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	canonical := market.NormalizeSymbol(symbol)
	if canonical == "" {
		return decimal.Zero, errs.Validation("feed/bybit", "symbol required")
	}

	var result tickersResponse
	resp, err := f.rest.R().
		SetContext(ctx).
		SetQueryParam("category", "linear").
		SetQueryParam("symbol", canonical).
		SetResult(&result).
		Get(f.opts.tickersEndpoint())
	if err != nil {
		return decimal.Zero, errs.New("feed/bybit", errs.KindAdapter,
			errs.WithMessage("tickers request failed"),
			errs.WithField("symbol", canonical),
			errs.WithCause(err))
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, errs.New("feed/bybit", errs.KindAdapter,
			errs.WithMessage("tickers request rejected"),
			errs.WithHTTP(resp.StatusCode()),
			errs.WithRawMessage(strings.TrimSpace(resp.String())),
			errs.WithField("symbol", canonical))
	}
	if result.RetCode != 0 {
		return decimal.Zero, errs.New("feed/bybit", errs.KindAdapter,
			errs.WithMessage("tickers request returned error code"),
			errs.WithRawCode(strconv.Itoa(result.RetCode)),
			errs.WithRawMessage(result.RetMsg),
			errs.WithField("symbol", canonical))
	}
	if len(result.Result.List) == 0 {
		return decimal.Zero, errs.New("feed/bybit", errs.KindAdapter,
			errs.WithMessage("symbol missing from tickers response"),
			errs.WithField("symbol", canonical))
	}

	raw := strings.TrimSpace(result.Result.List[0].LastPrice)
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errs.New("feed/bybit", errs.KindAdapter,
			errs.WithMessage("last price unparseable"),
			errs.WithRawMessage(raw),
			errs.WithField("symbol", canonical),
			errs.WithCause(err))
	}
	if !price.IsPositive() {
		return decimal.Zero, errs.New("feed/bybit", errs.KindAdapter,
			errs.WithMessage("last price not positive"),
			errs.WithRawMessage(price.String()),
			errs.WithField("symbol", canonical))
	}
	return price, nil
}
