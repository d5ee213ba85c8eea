package domain

import (
	"fmt"
	"time"
)

// ContractMultiplier is the number of underlying units one option contract
// controls. Spread values and debits are quoted per unit.
const ContractMultiplier = 100

// SpreadKind identifies the structure of a debit vertical.
type SpreadKind string

const (
	SpreadBullCallDebit SpreadKind = "bull_call_debit"
	SpreadBearPutDebit  SpreadKind = "bear_put_debit"
)

// ParseSpreadKind maps a wire or storage value to a SpreadKind.
func ParseSpreadKind(s string) (SpreadKind, error) {
	switch SpreadKind(s) {
	case SpreadBullCallDebit, SpreadBearPutDebit:
		return SpreadKind(s), nil
	default:
		return "", fmt.Errorf("unknown spread kind %q", s)
	}
}

// Valid reports whether k is one of the supported structures.
func (k SpreadKind) Valid() bool {
	return k == SpreadBullCallDebit || k == SpreadBearPutDebit
}

// Bullish reports whether the spread profits from a rising underlying.
func (k SpreadKind) Bullish() bool {
	return k == SpreadBullCallDebit
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusClosed  PositionStatus = "CLOSED"
	PositionStatusExpired PositionStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusExpired
}

// ExitReason tags why contracts left a position.
type ExitReason string

const (
	ExitHardStopLoss   ExitReason = "HARD_STOP_LOSS"
	ExitEndOfDay       ExitReason = "EOD_EXIT"
	ExitScaleOut1      ExitReason = "SCALE_OUT_1"
	ExitScaleOut2      ExitReason = "SCALE_OUT_2"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitFullyScaledOut ExitReason = "FULLY_SCALED_OUT"
	ExitExpiredMaxGain ExitReason = "EXPIRED_MAX_PROFIT"
	ExitExpiredMaxLoss ExitReason = "EXPIRED_MAX_LOSS"
	ExitExpiredPartial ExitReason = "EXPIRED_PARTIAL"
)

// EntryContext is the market and signal snapshot captured when a position is
// opened. It is never modified afterwards.
type EntryContext struct {
	UnderlyingPrice float64       `json:"underlying_price"`
	CallWall        float64       `json:"call_wall"`
	PutWall         float64       `json:"put_wall"`
	FlipPoint       float64       `json:"flip_point"`
	NetGamma        float64       `json:"net_gamma"`
	Regime          string        `json:"regime"`
	VolIndex        float64       `json:"vol_index"`
	Confidence      float64       `json:"confidence"`
	WinProbability  float64       `json:"win_probability"`
	RRRatio         float64       `json:"rr_ratio"`
	Source          string        `json:"source"`
	Override        *OverrideInfo `json:"override,omitempty"`
	Rationale       string        `json:"rationale"`
}

// TrailingState is the mutable exit-tracking state of an open position.
type TrailingState struct {
	HighWater          float64 `json:"high_water"`
	LowWater           float64 `json:"low_water"`
	PeakSpreadValue    float64 `json:"peak_spread_value"`
	ATR                float64 `json:"atr"`
	ScaleOut1Done      bool    `json:"scale_out1_done"`
	ScaleOut2Done      bool    `json:"scale_out2_done"`
	ProfitThresholdHit bool    `json:"profit_threshold_hit"`
}

// Position is a debit vertical spread owned by the lifecycle engine. The
// persisted copy is authoritative; the engine caches it between cycles.
type Position struct {
	ID                 string     `json:"id"`
	Kind               SpreadKind `json:"kind"`
	Symbol             string     `json:"symbol"`
	LongStrike         float64    `json:"long_strike"`
	ShortStrike        float64    `json:"short_strike"`
	Expiration         time.Time  `json:"expiration"`
	InitialContracts   int        `json:"initial_contracts"`
	ContractsRemaining int        `json:"contracts_remaining"`

	// EntryDebit is paid per unit; MaxProfit and MaxLoss are dollars over
	// InitialContracts. RealizedPnL is ScaledPnL plus the final exit or
	// settlement P&L and is only meaningful once the position is terminal.
	EntryDebit  float64 `json:"entry_debit"`
	MaxProfit   float64 `json:"max_profit"`
	MaxLoss     float64 `json:"max_loss"`
	ScaledPnL   float64 `json:"scaled_pnl"`
	RealizedPnL float64 `json:"realized_pnl"`

	Entry    EntryContext  `json:"entry"`
	Trailing TrailingState `json:"trailing"`

	// Lifecycle. ClosePrice is the per-unit spread value of the final exit,
	// or the settlement value on expiry; the underlying's settlement price
	// is on the settlement record.
	Status      PositionStatus `json:"status"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	ClosePrice  *float64       `json:"close_price,omitempty"`
	CloseReason ExitReason     `json:"close_reason,omitempty"`
	OrderRef    string         `json:"order_ref,omitempty"`
}

// Width is the distance between the strikes.
func (p Position) Width() float64 {
	w := p.ShortStrike - p.LongStrike
	if w < 0 {
		return -w
	}
	return w
}

// MaxProfitPerUnit is the most one unit of the spread can gain.
func (p Position) MaxProfitPerUnit() float64 {
	return p.Width() - p.EntryDebit
}

// ProfitPct is the current gain as a fraction of the maximum theoretical
// profit. It is negative when the spread trades below the entry debit.
func (p Position) ProfitPct(value float64) float64 {
	maxProfit := p.MaxProfitPerUnit()
	if maxProfit <= 0 {
		return 0
	}
	return (value - p.EntryDebit) / maxProfit
}

// LossPct is the current loss as a fraction of the entry debit. It is
// negative when the spread trades above the entry debit.
func (p Position) LossPct(value float64) float64 {
	if p.EntryDebit <= 0 {
		return 0
	}
	return (p.EntryDebit - value) / p.EntryDebit
}

// Validate checks the structural invariants of a position.
func (p Position) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidPosition)
	case !p.Kind.Valid():
		return fmt.Errorf("%w: spread kind %q", ErrInvalidPosition, p.Kind)
	case p.EntryDebit <= 0:
		return fmt.Errorf("%w: entry debit %.4f must be positive", ErrInvalidPosition, p.EntryDebit)
	case p.InitialContracts < 1:
		return fmt.Errorf("%w: initial contracts %d", ErrInvalidPosition, p.InitialContracts)
	case p.ContractsRemaining < 0 || p.ContractsRemaining > p.InitialContracts:
		return fmt.Errorf("%w: contracts remaining %d outside [0, %d]",
			ErrInvalidPosition, p.ContractsRemaining, p.InitialContracts)
	}
	if p.Kind.Bullish() && p.ShortStrike <= p.LongStrike {
		return fmt.Errorf("%w: bull call short strike must be above long strike", ErrInvalidPosition)
	}
	if !p.Kind.Bullish() && p.ShortStrike >= p.LongStrike {
		return fmt.Errorf("%w: bear put short strike must be below long strike", ErrInvalidPosition)
	}
	return nil
}

// StatusChange is the terminal transition written to the store. The
// position keeps its ContractsRemaining as the size of the final exit.
// ClosePrice is per unit of the spread, never the underlying price.
type StatusChange struct {
	Status      PositionStatus
	ClosePrice  float64
	Reason      ExitReason
	RealizedPnL float64
	ClosedAt    time.Time
}
