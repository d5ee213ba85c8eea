package domain

import "time"

// CycleOutcome summarises how a decision cycle ended.
type CycleOutcome string

const (
	CycleCompleted CycleOutcome = "completed"
	CycleSkipped   CycleOutcome = "skipped"
	CycleFailed    CycleOutcome = "failed"
)

// EntryOutcome describes what the entry half of a cycle did.
type EntryOutcome string

const (
	EntryNotEvaluated EntryOutcome = "not_evaluated"
	EntryBlocked      EntryOutcome = "blocked"
	EntryNoSignal     EntryOutcome = "no_actionable_signal"
	EntryRejectedRR   EntryOutcome = "risk_reward_rejected"
	EntryFailed       EntryOutcome = "execution_failed"
	EntryExecuted     EntryOutcome = "executed"
)

// ExitEvent is one exit applied (or attempted) during a cycle.
type ExitEvent struct {
	PositionID  string     `json:"position_id"`
	Reason      ExitReason `json:"reason"`
	Contracts   int        `json:"contracts"`
	SpreadValue float64    `json:"spread_value"`
	PnL         float64    `json:"pnl"`
	Full        bool       `json:"full"`
	Error       string     `json:"error,omitempty"`
}

// CycleResult is returned by every cycle, including skipped ones.
type CycleResult struct {
	ID            string            `json:"id"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Outcome       CycleOutcome      `json:"outcome"`
	Error         string            `json:"error,omitempty"`
	OpenPositions int               `json:"open_positions"`
	ContextSource string            `json:"context_source,omitempty"`
	Entry         EntryOutcome      `json:"entry"`
	EntryReason   string            `json:"entry_reason,omitempty"`
	RiskReward    *RiskRewardResult `json:"risk_reward,omitempty"`
	OpenedID      string            `json:"opened_id,omitempty"`
	Exits         []ExitEvent       `json:"exits,omitempty"`
	Settlement    *SettlementResult `json:"settlement,omitempty"`
}

// SettlementOutcome classifies an expired spread.
type SettlementOutcome string

const (
	SettlementMaxProfit SettlementOutcome = "MAX_PROFIT"
	SettlementMaxLoss   SettlementOutcome = "MAX_LOSS"
	SettlementPartial   SettlementOutcome = "PARTIAL"
)

// ExitReason maps the outcome to the close reason recorded on the position.
func (o SettlementOutcome) ExitReason() ExitReason {
	switch o {
	case SettlementMaxProfit:
		return ExitExpiredMaxGain
	case SettlementMaxLoss:
		return ExitExpiredMaxLoss
	default:
		return ExitExpiredPartial
	}
}

// SettlementRecord is the valuation of one expired position.
type SettlementRecord struct {
	PositionID     string            `json:"position_id"`
	Kind           SpreadKind        `json:"kind"`
	Symbol         string            `json:"symbol"`
	LongStrike     float64           `json:"long_strike"`
	ShortStrike    float64           `json:"short_strike"`
	Expiration     time.Time         `json:"expiration"`
	Contracts      int               `json:"contracts"`
	EntryDebit     float64           `json:"entry_debit"`
	ReferencePrice float64           `json:"reference_price"`
	SpreadValue    float64           `json:"spread_value"`
	Outcome        SettlementOutcome `json:"outcome"`
	PnL            float64           `json:"pnl"`
	RealizedPnL    float64           `json:"realized_pnl"`
}

// SettlementFailure is a position the processor could not settle this run.
type SettlementFailure struct {
	PositionID string `json:"position_id"`
	Error      string `json:"error"`
}

// SettlementResult is returned by a settlement run.
type SettlementResult struct {
	RunID    string              `json:"run_id"`
	AsOf     time.Time           `json:"as_of"`
	Settled  []SettlementRecord  `json:"settled"`
	Failed   []SettlementFailure `json:"failed,omitempty"`
	TotalPnL float64             `json:"total_pnl"`
}

// Status is the engine summary exposed to operators.
type Status struct {
	Live             bool         `json:"live"`
	OpenCount        int          `json:"open_count"`
	ContractsOpen    int          `json:"contracts_open"`
	DailyRealizedPnL float64      `json:"daily_realized_pnl"`
	EntriesToday     int          `json:"entries_today"`
	LastCycleTime    *time.Time   `json:"last_cycle_time,omitempty"`
	LastCycleOutcome CycleOutcome `json:"last_cycle_outcome,omitempty"`
	LastCycleError   string       `json:"last_cycle_error,omitempty"`
}

// PositionPnL is the mark-to-market view of one open position.
type PositionPnL struct {
	PositionID         string     `json:"position_id"`
	Kind               SpreadKind `json:"kind"`
	Symbol             string     `json:"symbol"`
	LongStrike         float64    `json:"long_strike"`
	ShortStrike        float64    `json:"short_strike"`
	ContractsRemaining int        `json:"contracts_remaining"`
	EntryDebit         float64    `json:"entry_debit"`
	SpreadValue        float64    `json:"spread_value"`
	UnrealizedPnL      float64    `json:"unrealized_pnl"`
	ScaledPnL          float64    `json:"scaled_pnl"`

	// Stale is set when the live quote failed and SpreadValue is the last
	// value observed by the engine.
	Stale bool `json:"stale"`
}

// LivePnL is the mark-to-market view of the whole book.
type LivePnL struct {
	AsOf                  time.Time     `json:"as_of"`
	Positions             []PositionPnL `json:"positions"`
	TotalUnrealizedPnL    float64       `json:"total_unrealized_pnl"`
	TotalRealizedPnLToday float64       `json:"total_realized_pnl_today"`
}
