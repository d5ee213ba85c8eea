package domain

import (
	"context"
	"time"
)

// QuoteRequest asks for the current per-unit value of a spread.
type QuoteRequest struct {
	Kind        SpreadKind
	Symbol      string
	LongStrike  float64
	ShortStrike float64
	Expiration  time.Time
	Underlying  float64
}

// QuoteFor builds the quote request for an existing position.
func QuoteFor(p Position, underlying float64) QuoteRequest {
	return QuoteRequest{
		Kind:        p.Kind,
		Symbol:      p.Symbol,
		LongStrike:  p.LongStrike,
		ShortStrike: p.ShortStrike,
		Expiration:  p.Expiration,
		Underlying:  underlying,
	}
}

// SpreadOrder opens a debit vertical.
type SpreadOrder struct {
	ClientOrderID string
	Kind          SpreadKind
	Symbol        string
	LongStrike    float64
	ShortStrike   float64
	Expiration    time.Time
	Contracts     int
	LimitDebit    float64
}

// EntryFill is the confirmed result of a SpreadOrder.
type EntryFill struct {
	FilledDebit float64
	OrderRef    string
}

// CloseOrder sells contracts of an open position.
type CloseOrder struct {
	ClientOrderID string
	Position      Position
	Contracts     int
	LimitValue    float64
}

// CloseFill is the confirmed result of a CloseOrder.
type CloseFill struct {
	FilledValue float64
	OrderRef    string
}

// Execution places and closes spread orders. Implementations are either a
// paper simulator or a live venue adapter.
type Execution interface {
	QuoteSpread(ctx context.Context, req QuoteRequest) (float64, error)
	PlaceSpread(ctx context.Context, order SpreadOrder) (EntryFill, error)
	CloseSpread(ctx context.Context, order CloseOrder) (CloseFill, error)
	// Live reports whether orders reach a real venue.
	Live() bool
}
