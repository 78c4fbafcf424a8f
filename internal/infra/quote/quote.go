// Package quote serves live prices for market-order activation. Providers
// are tried in priority order and answers are cached briefly so bursts of
// creations do not hammer the exchange REST endpoints.
package quote

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/observability"
)

const defaultTTL = 30 * time.Second

// Provider answers live price lookups. Exchange feeds satisfy it.
type Provider interface {
	Source() market.Source
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Config tunes the service.
type Config struct {
	// TTL bounds how long a fetched price keeps answering. Zero means 30s.
	TTL time.Duration
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Service fans a lookup across providers in order; the first success wins
// and is cached per symbol. Providers validate their own prices, so whatever
// comes back is trusted here.
type Service struct {
	providers []Provider
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	price decimal.Decimal
	at    time.Time
}

// New builds a service over providers, tried in the given order.
func New(providers []Provider, cfg Config) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		providers: providers,
		ttl:       ttl,
		now:       now,
		cache:     make(map[string]cached),
	}
}

// Quote returns a live price for symbol, served from cache while fresh.
func (s *Service) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	canonical := market.NormalizeSymbol(symbol)
	if canonical == "" {
		return decimal.Zero, errs.Validation("infra/quote", "symbol required")
	}
	if price, ok := s.fresh(canonical); ok {
		return price, nil
	}

	var lastErr error
	for _, provider := range s.providers {
		if err := ctx.Err(); err != nil {
			return decimal.Zero, errs.New("infra/quote", errs.KindUnavailable,
				errs.WithMessage("quote lookup aborted"),
				errs.WithField("symbol", canonical),
				errs.WithCause(err))
		}
		price, err := provider.Quote(ctx, canonical)
		if err != nil {
			lastErr = err
			observability.Log().Debug("quote provider failed",
				observability.F("source", string(provider.Source())),
				observability.F("symbol", canonical),
				observability.F("error", err))
			continue
		}
		s.remember(canonical, price)
		return price, nil
	}

	if lastErr == nil {
		return decimal.Zero, errs.New("infra/quote", errs.KindUnavailable,
			errs.WithMessage("no quote providers configured"))
	}
	return decimal.Zero, errs.New("infra/quote", errs.KindUnavailable,
		errs.WithMessage("all quote providers failed"),
		errs.WithField("symbol", canonical),
		errs.WithCause(lastErr))
}

func (s *Service) fresh(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[symbol]
	if !ok || s.now().Sub(entry.at) >= s.ttl {
		return decimal.Zero, false
	}
	return entry.price, true
}

func (s *Service) remember(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[symbol] = cached{price: price, at: s.now()}
}
