// Package bybit implements the Bybit linear perpetuals feed: a publicTrade
// websocket stream plus a REST quote lookup.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/infra/adapters/shared"
)

const publicTradePrefix = "publicTrade."

// Feed streams trade batches and serves live price quotes.
type Feed struct {
	opts    Options
	rest    *resty.Client
	metrics *shared.StreamMetrics
	clock   func() time.Time
}

// New constructs a Bybit feed with defaulted options.
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
		metrics: shared.NewStreamMetrics(string(market.SourceBybit)),
		clock:   time.Now,
	}
}

// Source identifies this feed on every tick it produces.
func (f *Feed) Source() market.Source { return market.SourceBybit }

// Stream subscribes to publicTrade topics for the symbol set and blocks
// until ctx is cancelled, reconnecting on transport faults.
func (f *Feed) Stream(ctx context.Context, symbols []string, handler market.Handler) error {
	if ctx == nil {
		return errors.New("bybit feed requires context")
	}
	topics := publicTradeTopics(symbols)
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

func publicTradeTopics(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	topics := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol := market.NormalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		topic := publicTradePrefix + symbol
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

type publicTradeMessage struct {
	Topic string        `json:"topic"`
	Type  string        `json:"type"`
	TS    int64         `json:"ts"`
	Data  []publicTrade `json:"data"`
}

type publicTrade struct {
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Volume    string `json:"v"`
	Price     string `json:"p"`
}

// handleFrame folds one trade batch into a single tick whose low/high are
// the batch extrema.
func (f *Feed) handleFrame(ctx context.Context, data []byte, handler market.Handler) error {
	var msg publicTradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.metrics.RecordDecodeFailure(ctx, "unmarshal")
		return fmt.Errorf("decode publicTrade frame: %w", err)
	}
	if !strings.HasPrefix(msg.Topic, publicTradePrefix) || len(msg.Data) == 0 {
		return nil
	}

	symbol := market.NormalizeSymbol(strings.TrimPrefix(msg.Topic, publicTradePrefix))
	var low, high decimal.Decimal
	for i, trade := range msg.Data {
		price, err := decimal.NewFromString(strings.TrimSpace(trade.Price))
		if err != nil {
			f.metrics.RecordDecodeFailure(ctx, "price")
			return fmt.Errorf("parse publicTrade price %q: %w", trade.Price, err)
		}
		if i == 0 {
			low, high = price, price
			continue
		}
		if price.LessThan(low) {
			low = price
		}
		if price.GreaterThan(high) {
			high = price
		}
	}

	tick := market.Tick{
		Symbol: symbol,
		Market: market.MarketFutures,
		Low:    low,
		High:   high,
		Source: market.SourceBybit,
		At:     f.clock().UTC(),
	}
	if err := tick.Validate(); err != nil {
		f.metrics.RecordDecodeFailure(ctx, "invalid_tick")
		return fmt.Errorf("publicTrade tick: %w", err)
	}

	f.metrics.RecordTick(ctx, tick.Symbol)
	if handler != nil {
		handler(tick)
	}
	return nil
}
