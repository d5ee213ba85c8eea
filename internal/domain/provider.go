package domain

import (
	"context"
	"time"
)

// MarketContextProvider is one source of market context. Providers are tried
// in order by the resolver.
type MarketContextProvider interface {
	Name() string
	MarketContext(ctx context.Context, symbol string) (MarketContext, error)
}

// MLSignalProvider produces the statistical signal. It returns
// ErrDataUnavailable when it has nothing for this cycle.
type MLSignalProvider interface {
	MLSignal(ctx context.Context, mc MarketContext) (MLSignal, error)
}

// AdvisorSignalProvider produces the advisory signal. It returns
// ErrDataUnavailable when it has nothing for this cycle.
type AdvisorSignalProvider interface {
	AdvisorSignal(ctx context.Context, mc MarketContext) (AdvisorSignal, error)
}

// CandleSource returns the most recent n daily candles, oldest first.
type CandleSource interface {
	DailyCandles(ctx context.Context, symbol string, n int) ([]Candle, error)
}

// SettlementPriceSource returns the official closing price of the
// underlying for a session date.
type SettlementPriceSource interface {
	ClosingPrice(ctx context.Context, symbol string, date time.Time) (float64, error)
}
