package position

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func testRules(loc *time.Location) Rules {
	return Rules{
		HardStopPct:        0.5,
		ScaleOut1Pct:       0.5,
		ScaleOut1Size:      0.3,
		ScaleOut2Pct:       0.75,
		ScaleOut2Size:      0.3,
		TrailActivationPct: 0.3,
		ATRMultiplier:      1,
		KeepPct:            0.5,
		EODCutoff:          15*time.Hour + 50*time.Minute,
		Location:           loc,
	}
}

func bullCall() domain.Position {
	return domain.Position{
		ID:                 "p1",
		Kind:               domain.SpreadBullCallDebit,
		Symbol:             "SPY",
		LongStrike:         580,
		ShortStrike:        582,
		InitialContracts:   10,
		ContractsRemaining: 10,
		EntryDebit:         1.0,
		Trailing: domain.TrailingState{
			HighWater:       581,
			LowWater:        581,
			PeakSpreadValue: 1.0,
		},
		Status: domain.PositionStatusOpen,
	}
}

func TestRuleOrder(t *testing.T) {
	assert.Equal(t, []string{
		"hard_stop", "end_of_day", "scale_out_1", "scale_out_2", "trailing_stop", "fully_scaled_out",
	}, RuleNames())
}

func TestRulesEvaluate(t *testing.T) {
	loc := newYork(t)
	r := testRules(loc)
	midday := time.Date(2026, 3, 20, 11, 0, 0, 0, loc)
	late := time.Date(2026, 3, 20, 15, 55, 0, 0, loc)

	tests := []struct {
		name      string
		mutate    func(p *domain.Position)
		obs       Observation
		kind      ActionKind
		reason    domain.ExitReason
		contracts int
	}{
		{
			name: "hard stop exits everything",
			obs:  Observation{Now: midday, SpreadValue: 0.40},
			kind: ActionClose, reason: domain.ExitHardStopLoss,
		},
		{
			name: "hard stop outranks end of day",
			obs:  Observation{Now: late, SpreadValue: 0.40},
			kind: ActionClose, reason: domain.ExitHardStopLoss,
		},
		{
			name: "end of day outranks scale-out",
			obs:  Observation{Now: late, SpreadValue: 1.50},
			kind: ActionClose, reason: domain.ExitEndOfDay,
		},
		{
			name: "first scale-out at threshold",
			obs:  Observation{Now: midday, SpreadValue: 1.50},
			kind: ActionScaleOut, reason: domain.ExitScaleOut1, contracts: 3,
		},
		{
			name: "first scale-out precedes second",
			obs:  Observation{Now: midday, SpreadValue: 1.80},
			kind: ActionScaleOut, reason: domain.ExitScaleOut1, contracts: 3,
		},
		{
			name: "second scale-out once first is done",
			mutate: func(p *domain.Position) {
				p.Trailing.ScaleOut1Done = true
				p.ContractsRemaining = 7
			},
			obs:  Observation{Now: midday, SpreadValue: 1.75},
			kind: ActionScaleOut, reason: domain.ExitScaleOut2, contracts: 3,
		},
		{
			name: "scale-out skipped when only one contract remains",
			mutate: func(p *domain.Position) {
				p.ContractsRemaining = 1
			},
			obs:  Observation{Now: midday, SpreadValue: 1.50},
			kind: ActionHold,
		},
		{
			name: "below every threshold holds",
			obs:  Observation{Now: midday, SpreadValue: 1.10},
			kind: ActionHold,
		},
		{
			name: "giveback trailing stop needs activation",
			mutate: func(p *domain.Position) {
				p.Trailing.PeakSpreadValue = 1.40
			},
			obs:  Observation{Now: midday, SpreadValue: 1.10},
			kind: ActionHold,
		},
		{
			name: "giveback trailing stop after activation",
			mutate: func(p *domain.Position) {
				p.Trailing.PeakSpreadValue = 1.40
				p.Trailing.ProfitThresholdHit = true
			},
			obs:  Observation{Now: midday, SpreadValue: 1.10},
			kind: ActionClose, reason: domain.ExitTrailingStop,
		},
		{
			name: "volatility trailing stop for bull call",
			mutate: func(p *domain.Position) {
				p.Trailing.HighWater = 590
				p.Trailing.ATR = 3
				p.Trailing.PeakSpreadValue = 1.45
				p.Trailing.ProfitThresholdHit = true
			},
			obs:  Observation{Now: midday, SpreadValue: 1.45, Underlying: 586.9},
			kind: ActionClose, reason: domain.ExitTrailingStop,
		},
		{
			name: "volatility trailing stop holds inside distance",
			mutate: func(p *domain.Position) {
				p.Trailing.HighWater = 590
				p.Trailing.ATR = 3
				p.Trailing.PeakSpreadValue = 1.45
				p.Trailing.ProfitThresholdHit = true
			},
			obs:  Observation{Now: midday, SpreadValue: 1.45, Underlying: 587.5},
			kind: ActionHold,
		},
		{
			name: "volatility trailing stop for bear put",
			mutate: func(p *domain.Position) {
				p.Kind = domain.SpreadBearPutDebit
				p.LongStrike, p.ShortStrike = 582, 580
				p.Trailing.LowWater = 570
				p.Trailing.ATR = 3
				p.Trailing.PeakSpreadValue = 1.45
				p.Trailing.ProfitThresholdHit = true
			},
			obs:  Observation{Now: midday, SpreadValue: 1.45, Underlying: 573.1},
			kind: ActionClose, reason: domain.ExitTrailingStop,
		},
		{
			name: "fully scaled out closes without hard stop",
			mutate: func(p *domain.Position) {
				p.ContractsRemaining = 0
			},
			obs:  Observation{Now: late, SpreadValue: 0.10},
			kind: ActionClose, reason: domain.ExitFullyScaledOut,
		},
		{
			name: "terminal position holds",
			mutate: func(p *domain.Position) {
				p.Status = domain.PositionStatusClosed
			},
			obs:  Observation{Now: midday, SpreadValue: 0.10},
			kind: ActionHold,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := bullCall()
			if tc.mutate != nil {
				tc.mutate(&p)
			}
			a := r.Evaluate(p, tc.obs)
			assert.Equal(t, tc.kind, a.Kind, a.Detail)
			assert.Equal(t, tc.reason, a.Reason)
			assert.Equal(t, tc.contracts, a.Contracts)
		})
	}
}

func TestRulesObserve(t *testing.T) {
	loc := newYork(t)
	r := testRules(loc)
	now := time.Date(2026, 3, 20, 11, 0, 0, 0, loc)
	p := bullCall()

	r.Observe(&p, Observation{Now: now, SpreadValue: 1.40, Underlying: 583})
	assert.InDelta(t, 583, p.Trailing.HighWater, 1e-9)
	assert.InDelta(t, 581, p.Trailing.LowWater, 1e-9)
	assert.InDelta(t, 1.40, p.Trailing.PeakSpreadValue, 1e-9)
	assert.True(t, p.Trailing.ProfitThresholdHit)

	// Activation is sticky and the peak never falls.
	r.Observe(&p, Observation{Now: now, SpreadValue: 1.05, Underlying: 579})
	assert.True(t, p.Trailing.ProfitThresholdHit)
	assert.InDelta(t, 1.40, p.Trailing.PeakSpreadValue, 1e-9)
	assert.InDelta(t, 579, p.Trailing.LowWater, 1e-9)
	assert.InDelta(t, 583, p.Trailing.HighWater, 1e-9)

	// No underlying leaves the water marks alone.
	r.Observe(&p, Observation{Now: now, SpreadValue: 1.05})
	assert.InDelta(t, 579, p.Trailing.LowWater, 1e-9)
}

func TestRulesObserve_IgnoresTerminal(t *testing.T) {
	r := testRules(time.UTC)
	p := bullCall()
	p.Status = domain.PositionStatusExpired
	before := p.Trailing

	r.Observe(&p, Observation{Now: time.Now(), SpreadValue: 1.9, Underlying: 600})
	assert.Equal(t, before, p.Trailing)
}

func TestScaleOutContracts(t *testing.T) {
	tests := []struct {
		initial, remaining int
		fraction           float64
		want               int
	}{
		{10, 10, 0.3, 3},
		{10, 7, 0.3, 3},
		{10, 2, 0.3, 1},
		{10, 1, 0.3, 0},
		{2, 2, 0.3, 1},
		{3, 3, 0.34, 1},
		{10, 10, 0.7, 7},
		{10, 4, 0.7, 3},
		{1, 1, 0.5, 0},
	}
	for _, tc := range tests {
		got := ScaleOutContracts(tc.initial, tc.remaining, tc.fraction)
		assert.Equal(t, tc.want, got, "initial=%d remaining=%d fraction=%.2f", tc.initial, tc.remaining, tc.fraction)
	}
}
