package market

import (
	"context"

	"github.com/shopspring/decimal"
)

// Handler consumes one normalized tick. Implementations must not block for
// long; feeds call it inline from their read loops.
type Handler func(Tick)

// Feed is one exchange connection: a streaming trade feed plus a REST quote
// lookup. Stream blocks until ctx is cancelled, reconnecting internally on
// transport faults.
type Feed interface {
	Source() Source
	Stream(ctx context.Context, symbols []string, handler Handler) error
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}
