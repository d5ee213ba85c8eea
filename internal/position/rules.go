package position

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// epsilon absorbs binary rounding when comparing fractions to thresholds.
const epsilon = 1e-9

func atLeast(v, threshold float64) bool {
	return v >= threshold-epsilon
}

// Rules holds the exit thresholds. Percentages are fractions.
type Rules struct {
	HardStopPct        float64
	ScaleOut1Pct       float64
	ScaleOut1Size      float64
	ScaleOut2Pct       float64
	ScaleOut2Size      float64
	TrailActivationPct float64
	ATRMultiplier      float64
	KeepPct            float64

	// EODCutoff is the forced-exit time as an offset from midnight in
	// Location.
	EODCutoff time.Duration
	Location  *time.Location
}

// Observation is what the engine saw for one position this cycle.
// Underlying is zero when no market context was available.
type Observation struct {
	Now         time.Time
	SpreadValue float64
	Underlying  float64
}

// ActionKind says what the engine must do with a position.
type ActionKind int

const (
	ActionHold ActionKind = iota
	ActionScaleOut
	ActionClose
)

func (k ActionKind) String() string {
	switch k {
	case ActionScaleOut:
		return "scale_out"
	case ActionClose:
		return "close"
	default:
		return "hold"
	}
}

// Action is the outcome of rule evaluation. Contracts is only set for
// scale-outs; a close always exits everything remaining.
type Action struct {
	Kind      ActionKind
	Reason    domain.ExitReason
	Contracts int
	Detail    string
}

// rule is one predicate→action pair. Rules are evaluated in slice order and
// the first match wins.
type rule struct {
	name  string
	match func(r Rules, p domain.Position, obs Observation) (Action, bool)
}

var ordered = []rule{
	{"hard_stop", hardStop},
	{"end_of_day", endOfDay},
	{"scale_out_1", scaleOut1},
	{"scale_out_2", scaleOut2},
	{"trailing_stop", trailingStop},
	{"fully_scaled_out", fullyScaledOut},
}

// RuleNames lists the rules in evaluation order.
func RuleNames() []string {
	names := make([]string, len(ordered))
	for i, r := range ordered {
		names[i] = r.name
	}
	return names
}

// Evaluate runs the ordered rules against an open position. Terminal
// positions always hold.
func (r Rules) Evaluate(p domain.Position, obs Observation) Action {
	if p.Status != domain.PositionStatusOpen {
		return Action{Kind: ActionHold}
	}
	for _, rl := range ordered {
		if a, ok := rl.match(r, p, obs); ok {
			return a
		}
	}
	return Action{Kind: ActionHold}
}

// Observe folds the observation into the trailing state: water marks, peak
// spread value and the sticky trailing activation flag. It must run before
// Evaluate in the same cycle.
func (r Rules) Observe(p *domain.Position, obs Observation) {
	if p.Status != domain.PositionStatusOpen {
		return
	}
	t := &p.Trailing
	if obs.Underlying > 0 {
		if obs.Underlying > t.HighWater {
			t.HighWater = obs.Underlying
		}
		if t.LowWater == 0 || obs.Underlying < t.LowWater {
			t.LowWater = obs.Underlying
		}
	}
	if obs.SpreadValue > t.PeakSpreadValue {
		t.PeakSpreadValue = obs.SpreadValue
	}
	if !t.ProfitThresholdHit && atLeast(p.ProfitPct(obs.SpreadValue), r.TrailActivationPct) {
		t.ProfitThresholdHit = true
	}
}

func hardStop(r Rules, p domain.Position, obs Observation) (Action, bool) {
	if p.ContractsRemaining == 0 {
		return Action{}, false
	}
	loss := p.LossPct(obs.SpreadValue)
	if !atLeast(loss, r.HardStopPct) {
		return Action{}, false
	}
	return Action{
		Kind:   ActionClose,
		Reason: domain.ExitHardStopLoss,
		Detail: fmt.Sprintf("loss %.1f%% >= stop %.1f%%", loss*100, r.HardStopPct*100),
	}, true
}

func endOfDay(r Rules, p domain.Position, obs Observation) (Action, bool) {
	if p.ContractsRemaining == 0 {
		return Action{}, false
	}
	local := obs.Now
	if r.Location != nil {
		local = obs.Now.In(r.Location)
	}
	y, m, d := local.Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, local.Location()).Add(r.EODCutoff)
	if local.Before(cutoff) {
		return Action{}, false
	}
	return Action{
		Kind:   ActionClose,
		Reason: domain.ExitEndOfDay,
		Detail: "past daily cutoff " + cutoff.Format("15:04"),
	}, true
}

func scaleOut1(r Rules, p domain.Position, obs Observation) (Action, bool) {
	return scaleOut(p, obs, p.Trailing.ScaleOut1Done, r.ScaleOut1Pct, r.ScaleOut1Size, domain.ExitScaleOut1)
}

func scaleOut2(r Rules, p domain.Position, obs Observation) (Action, bool) {
	return scaleOut(p, obs, p.Trailing.ScaleOut2Done, r.ScaleOut2Pct, r.ScaleOut2Size, domain.ExitScaleOut2)
}

func scaleOut(p domain.Position, obs Observation, done bool, threshold, size float64, reason domain.ExitReason) (Action, bool) {
	if done {
		return Action{}, false
	}
	profit := p.ProfitPct(obs.SpreadValue)
	if !atLeast(profit, threshold) {
		return Action{}, false
	}
	n := ScaleOutContracts(p.InitialContracts, p.ContractsRemaining, size)
	if n <= 0 {
		return Action{}, false
	}
	return Action{
		Kind:      ActionScaleOut,
		Reason:    reason,
		Contracts: n,
		Detail:    fmt.Sprintf("profit %.1f%% >= %.1f%%", profit*100, threshold*100),
	}, true
}

// ScaleOutContracts is floor(initial*fraction), at least one, and never so
// many that fewer than one contract would remain. It returns 0 when no
// scale-out is possible.
func ScaleOutContracts(initial, remaining int, fraction float64) int {
	n := int(math.Floor(float64(initial)*fraction + epsilon))
	if n < 1 {
		n = 1
	}
	if n > remaining-1 {
		n = remaining - 1
	}
	if n < 0 {
		return 0
	}
	return n
}

func trailingStop(r Rules, p domain.Position, obs Observation) (Action, bool) {
	if p.ContractsRemaining == 0 || !p.Trailing.ProfitThresholdHit {
		return Action{}, false
	}
	t := p.Trailing

	if obs.Underlying > 0 && t.ATR > 0 {
		distance := t.ATR * r.ATRMultiplier
		if p.Kind.Bullish() && obs.Underlying <= t.HighWater-distance {
			return Action{
				Kind:   ActionClose,
				Reason: domain.ExitTrailingStop,
				Detail: fmt.Sprintf("price %.2f retraced %.2f from high %.2f", obs.Underlying, distance, t.HighWater),
			}, true
		}
		if !p.Kind.Bullish() && t.LowWater > 0 && obs.Underlying >= t.LowWater+distance {
			return Action{
				Kind:   ActionClose,
				Reason: domain.ExitTrailingStop,
				Detail: fmt.Sprintf("price %.2f retraced %.2f from low %.2f", obs.Underlying, distance, t.LowWater),
			}, true
		}
	}

	peakProfit := t.PeakSpreadValue - p.EntryDebit
	current := obs.SpreadValue - p.EntryDebit
	if peakProfit > 0 && current < r.KeepPct*peakProfit {
		return Action{
			Kind:   ActionClose,
			Reason: domain.ExitTrailingStop,
			Detail: fmt.Sprintf("profit %.2f gave back below %.0f%% of peak %.2f", current, r.KeepPct*100, peakProfit),
		}, true
	}
	return Action{}, false
}

func fullyScaledOut(_ Rules, p domain.Position, _ Observation) (Action, bool) {
	if p.ContractsRemaining > 0 {
		return Action{}, false
	}
	return Action{Kind: ActionClose, Reason: domain.ExitFullyScaledOut, Detail: "no contracts remaining"}, true
}
