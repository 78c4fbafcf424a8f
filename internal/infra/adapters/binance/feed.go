// Package binance implements the Binance USDT-margined futures feed: an
// aggTrade websocket stream plus a REST quote lookup.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/infra/adapters/shared"
)

// Feed streams aggregate trades and serves live price quotes.
type Feed struct {
	opts    Options
	rest    *resty.Client
	metrics *shared.StreamMetrics
	clock   func() time.Time
}

// New constructs a Binance feed with defaulted options.
func New(opts Options) *Feed {
	opts = withDefaults(opts)
	client := resty.New().
		SetBaseURL(opts.APIBaseURL).
		SetTimeout(opts.HTTPTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})
	return &Feed{
		opts:    opts,
		rest:    client,
		metrics: shared.NewStreamMetrics(string(market.SourceBinance)),
		clock:   time.Now,
	}
}

// Source identifies this feed on every tick it produces.
func (f *Feed) Source() market.Source { return market.SourceBinance }

// Stream subscribes to aggTrade topics for the symbol set and blocks until
// ctx is cancelled, reconnecting on transport faults.
func (f *Feed) Stream(ctx context.Context, symbols []string, handler market.Handler) error {
	if ctx == nil {
		return errors.New("binance feed requires context")
	}
	topics := aggTradeTopics(symbols)
	if len(topics) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	sess := &session{
		url:         f.opts.WebsocketURL,
		topics:      topics,
		handler:     func(data []byte) error { return f.handleFrame(ctx, data, handler) },
		metrics:     f.metrics,
		backoffBase: f.opts.BackoffBase,
		backoffCap:  f.opts.BackoffCap,
	}
	return sess.run(ctx)
}

// aggTradeTopics builds the deduplicated lowercase topic list.
func aggTradeTopics(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	topics := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol := strings.ToLower(market.NormalizeSymbol(raw))
		if symbol == "" {
			continue
		}
		topic := symbol + "@aggTrade"
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

type aggTradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// handleFrame decodes one aggTrade frame into a point tick. Frames for other
// event types are ignored; malformed frames surface an error so the session
// can log and drop them.
func (f *Feed) handleFrame(ctx context.Context, data []byte, handler market.Handler) error {
	var evt aggTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.metrics.RecordDecodeFailure(ctx, "unmarshal")
		return fmt.Errorf("decode aggTrade frame: %w", err)
	}
	if evt.EventType != "aggTrade" {
		return nil
	}

	price, err := decimal.NewFromString(strings.TrimSpace(evt.Price))
	if err != nil {
		f.metrics.RecordDecodeFailure(ctx, "price")
		return fmt.Errorf("parse aggTrade price %q: %w", evt.Price, err)
	}

	tick := market.Tick{
		Symbol: market.NormalizeSymbol(evt.Symbol),
		Market: market.MarketFutures,
		Low:    price,
		High:   price,
		Source: market.SourceBinance,
		At:     f.clock().UTC(),
	}
	if err := tick.Validate(); err != nil {
		f.metrics.RecordDecodeFailure(ctx, "invalid_tick")
		return fmt.Errorf("aggTrade tick: %w", err)
	}

	f.metrics.RecordTick(ctx, tick.Symbol)
	if handler != nil {
		handler(tick)
	}
	return nil
}
