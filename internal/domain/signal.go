package domain

import "time"

// MLAdvice is the directional call of the statistical signal.
type MLAdvice string

const (
	MLAdviceLong    MLAdvice = "LONG"
	MLAdviceShort   MLAdvice = "SHORT"
	MLAdviceStayOut MLAdvice = "STAY_OUT"
)

// MLSignal is produced by the statistical model provider.
type MLSignal struct {
	Advice         MLAdvice   `json:"advice"`
	SpreadKindHint SpreadKind `json:"spread_kind_hint,omitempty"`
	Confidence     float64    `json:"confidence"`
	WinProbability float64    `json:"win_probability"`
	Reasoning      string     `json:"reasoning"`
}

// AdvisorAdvice is the trade/skip call of the advisory signal.
type AdvisorAdvice string

const (
	AdvisorTrade AdvisorAdvice = "TRADE"
	AdvisorSkip  AdvisorAdvice = "SKIP"
)

// Direction is a market bias.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
)

// AdvisorSignal is produced by the advisory provider.
type AdvisorSignal struct {
	Advice         AdvisorAdvice `json:"advice"`
	Direction      Direction     `json:"direction"`
	Confidence     float64       `json:"confidence"`
	WinProbability float64       `json:"win_probability"`
	Reasoning      string        `json:"reasoning"`
}

// SignalSource attributes a decision to the provider that produced it.
type SignalSource string

const (
	SourceML      SignalSource = "ML"
	SourceAdvisor SignalSource = "ADVISOR"
)

// OverrideInfo records that the advisor traded against an ML stay-out.
type OverrideInfo struct {
	OverriddenSource      SignalSource `json:"overridden_source"`
	OverriddenAdvice      string       `json:"overridden_advice"`
	OverriddenBy          string       `json:"overridden_by"`
	AdvisorConfidence     float64      `json:"advisor_confidence"`
	AdvisorWinProbability float64      `json:"advisor_win_probability"`
	Reason                string       `json:"reason"`
}

// Decision is the arbitrated outcome of one cycle's signals. A zero Kind
// means no trade; Reason then explains why.
type Decision struct {
	Kind           SpreadKind
	Source         SignalSource
	Reason         string
	Confidence     float64
	WinProbability float64
	Rationale      string
	Override       *OverrideInfo
}

// Actionable reports whether the decision asks for an entry.
func (d Decision) Actionable() bool {
	return d.Kind.Valid()
}

// TradeSignal is a fully specified entry candidate. It lives for one cycle.
type TradeSignal struct {
	Kind           SpreadKind
	Symbol         string
	LongStrike     float64
	ShortStrike    float64
	Expiration     time.Time
	ReferencePrice float64
	EstimatedDebit float64

	// Per-contract dollars.
	MaxProfitPerContract float64
	MaxLossPerContract   float64
	Confidence           float64
	WinProbability       float64
	Source               SignalSource
	Override             *OverrideInfo
	Rationale            string
}

// Key identifies the instrument a signal would open.
func (s TradeSignal) Key() string {
	return string(s.Kind) + ":" + s.Symbol + ":" +
		s.Expiration.Format("2006-01-02") + ":" +
		formatStrike(s.LongStrike) + "/" + formatStrike(s.ShortStrike)
}

// RiskRewardResult is the wall-based reward to risk assessment of a
// candidate. Ratio may be +Inf.
type RiskRewardResult struct {
	Ratio       float64
	Reward      float64
	Risk        float64
	Explanation string
}
