package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/position"
)

// Quoter prices a spread.
type Quoter interface {
	QuoteSpread(ctx context.Context, req domain.QuoteRequest) (float64, error)
}

// Builder picks strikes for a decision and estimates its debit.
type Builder struct {
	quoter    Quoter
	width     float64
	increment float64
}

// NewBuilder creates a Builder for spreads of the given strike width, with
// strikes on multiples of increment.
func NewBuilder(quoter Quoter, width, increment float64) *Builder {
	if increment <= 0 {
		increment = 1
	}
	return &Builder{quoter: quoter, width: width, increment: increment}
}

// Strikes returns the long and short strikes for kind at spot. The long
// strike is spot rounded to the increment; the short strike is one width
// away in the direction of profit.
func (b *Builder) Strikes(kind domain.SpreadKind, spot float64) (long, short float64) {
	long = math.Round(spot/b.increment) * b.increment
	if kind.Bullish() {
		return long, long + b.width
	}
	return long, long - b.width
}

// Build turns an actionable decision into a same-day-expiration candidate.
func (b *Builder) Build(ctx context.Context, d domain.Decision, mc domain.MarketContext, session time.Time) (domain.TradeSignal, error) {
	if !d.Actionable() {
		return domain.TradeSignal{}, fmt.Errorf("strategy: build candidate: decision is not actionable: %s", d.Reason)
	}

	long, short := b.Strikes(d.Kind, mc.Spot)
	expiration := domain.CivilDate(session)

	debit, err := b.quoter.QuoteSpread(ctx, domain.QuoteRequest{
		Kind:        d.Kind,
		Symbol:      mc.Symbol,
		LongStrike:  long,
		ShortStrike: short,
		Expiration:  expiration,
		Underlying:  mc.Spot,
	})
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("strategy: quote candidate: %w: %w", domain.ErrDataUnavailable, err)
	}
	if debit <= 0 || debit >= b.width {
		return domain.TradeSignal{}, fmt.Errorf("strategy: quote candidate: debit %.4f outside (0, %.2f): %w",
			debit, b.width, domain.ErrDataUnavailable)
	}

	return domain.TradeSignal{
		Kind:                 d.Kind,
		Symbol:               mc.Symbol,
		LongStrike:           long,
		ShortStrike:          short,
		Expiration:           expiration,
		ReferencePrice:       mc.Spot,
		EstimatedDebit:       debit,
		MaxProfitPerContract: position.MaxProfit(b.width, debit, 1),
		MaxLossPerContract:   position.MaxLoss(debit, 1),
		Confidence:           d.Confidence,
		WinProbability:       d.WinProbability,
		Source:               d.Source,
		Override:             d.Override,
		Rationale:            d.Rationale,
	}, nil
}
