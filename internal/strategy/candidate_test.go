package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

type stubQuoter struct {
	debit float64
	err   error
	last  domain.QuoteRequest
}

func (s *stubQuoter) QuoteSpread(_ context.Context, req domain.QuoteRequest) (float64, error) {
	s.last = req
	return s.debit, s.err
}

func TestBuilderStrikes(t *testing.T) {
	tests := []struct {
		name      string
		kind      domain.SpreadKind
		spot      float64
		increment float64
		long      float64
		short     float64
	}{
		{"bull rounds down", domain.SpreadBullCallDebit, 580.4, 1, 580, 582},
		{"bull rounds up", domain.SpreadBullCallDebit, 580.6, 1, 581, 583},
		{"bear", domain.SpreadBearPutDebit, 580.2, 1, 580, 578},
		{"half increment", domain.SpreadBullCallDebit, 580.3, 0.5, 580.5, 582.5},
		{"five increment", domain.SpreadBearPutDebit, 5812, 5, 5810, 5808},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			long, short := NewBuilder(nil, 2, tc.increment).Strikes(tc.kind, tc.spot)
			assert.InDelta(t, tc.long, long, 1e-9)
			assert.InDelta(t, tc.short, short, 1e-9)
		})
	}
}

func TestBuilderBuild(t *testing.T) {
	q := &stubQuoter{debit: 1.00}
	b := NewBuilder(q, 2, 1)
	session := time.Date(2026, 3, 20, 10, 30, 0, 0, time.UTC)
	d := domain.Decision{
		Kind:       domain.SpreadBullCallDebit,
		Source:     domain.SourceML,
		Confidence: 0.7,
	}
	mc := domain.MarketContext{Symbol: "SPY", Spot: 580.2}

	sig, err := b.Build(context.Background(), d, mc, session)
	require.NoError(t, err)

	assert.Equal(t, 580.0, sig.LongStrike)
	assert.Equal(t, 582.0, sig.ShortStrike)
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), sig.Expiration)
	assert.Equal(t, 100.0, sig.MaxProfitPerContract)
	assert.Equal(t, 100.0, sig.MaxLossPerContract)
	assert.Equal(t, domain.SourceML, sig.Source)
	assert.Equal(t, "bull_call_debit:SPY:2026-03-20:580/582", sig.Key())
	assert.Equal(t, 580.2, q.last.Underlying)
}

func TestBuilderBuild_RejectsBadQuotes(t *testing.T) {
	d := domain.Decision{Kind: domain.SpreadBearPutDebit}
	mc := domain.MarketContext{Symbol: "SPY", Spot: 580}

	for name, q := range map[string]*stubQuoter{
		"zero debit":   {debit: 0},
		"debit width":  {debit: 2},
		"quote failed": {err: errors.New("no chain")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewBuilder(q, 2, 1).Build(context.Background(), d, mc, time.Now())
			assert.ErrorIs(t, err, domain.ErrDataUnavailable)
		})
	}
}

func TestBuilderBuild_RejectsNoTrade(t *testing.T) {
	_, err := NewBuilder(&stubQuoter{debit: 1}, 2, 1).
		Build(context.Background(), domain.Decision{Reason: "no signal providers available"}, domain.MarketContext{}, time.Now())
	assert.Error(t, err)
}
