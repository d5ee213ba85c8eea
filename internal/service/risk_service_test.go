package service

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComputeRR(t *testing.T) {
	tests := []struct {
		name      string
		kind      domain.SpreadKind
		spot      float64
		wantRatio float64
		wantInf   bool
	}{
		{"bull mid range", domain.SpreadBullCallDebit, 580, 2, false},
		{"bear mirror", domain.SpreadBearPutDebit, 580, 0.5, false},
		{"bull at put wall has no risk", domain.SpreadBullCallDebit, 570, 0, true},
		{"bull below put wall has no risk", domain.SpreadBullCallDebit, 565, 0, true},
		{"bull at call wall has no reward", domain.SpreadBullCallDebit, 600, 0, false},
		{"bear at call wall has no risk", domain.SpreadBearPutDebit, 600, 0, true},
		{"bear at put wall has no reward", domain.SpreadBearPutDebit, 570, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// call wall 600, put wall 570
			res, err := ComputeRR(tt.kind, tt.spot, 600, 570)
			require.NoError(t, err)
			if tt.wantInf {
				assert.True(t, math.IsInf(res.Ratio, 1), "ratio %v", res.Ratio)
			} else {
				assert.InDelta(t, tt.wantRatio, res.Ratio, 1e-9)
			}
			assert.NotEmpty(t, res.Explanation)
		})
	}
}

func TestComputeRR_InvalidWalls(t *testing.T) {
	_, err := ComputeRR(domain.SpreadBullCallDebit, 580, 570, 570)
	assert.ErrorIs(t, err, domain.ErrInvalidWalls)

	_, err = ComputeRR(domain.SpreadBearPutDebit, 580, 560, 590)
	assert.ErrorIs(t, err, domain.ErrInvalidWalls)
}

func TestRiskService_Gate(t *testing.T) {
	s := NewRiskService(RiskConfig{MinRRRatio: 1.5}, discardLogger())
	ctx := context.Background()
	mc := domain.MarketContext{Spot: 580, CallWall: 600, PutWall: 570}

	res, ok, err := s.Gate(ctx, domain.SpreadBullCallDebit, mc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 2, res.Ratio, 1e-9)

	res, ok, err = s.Gate(ctx, domain.SpreadBearPutDebit, mc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 0.5, res.Ratio, 1e-9)

	// Exactly at the minimum passes.
	mc = domain.MarketContext{Spot: 580, CallWall: 595, PutWall: 570}
	_, ok, err = s.Gate(ctx, domain.SpreadBearPutDebit, domain.MarketContext{Spot: 585, CallWall: 591, PutWall: 576})
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.Gate(ctx, domain.SpreadBullCallDebit, mc)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Gate(ctx, domain.SpreadBullCallDebit, domain.MarketContext{Spot: 580, CallWall: 570, PutWall: 590})
	assert.ErrorIs(t, err, domain.ErrInvalidWalls)
	assert.False(t, ok)
}

func TestSize(t *testing.T) {
	tests := []struct {
		name      string
		maxLoss   float64
		budget    float64
		def, maxC int
		want      int
	}{
		{"budget allows three", 150, 500, 10, 20, 3},
		{"clamped to default", 50, 5000, 4, 20, 4},
		{"clamped to max", 50, 5000, 10, 6, 6},
		{"budget below one loss still trades one", 600, 500, 10, 20, 1},
		{"non-positive loss", 0, 500, 10, 20, 1},
		{"negative loss", -10, 500, 10, 20, 1},
		{"zero default", 100, 500, 0, 20, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Size(tt.maxLoss, tt.budget, tt.def, tt.maxC))
		})
	}
}

func TestRiskService_Size(t *testing.T) {
	s := NewRiskService(RiskConfig{RiskBudget: 500, DefaultContracts: 10, MaxContracts: 20}, discardLogger())
	assert.Equal(t, 5, s.Size(context.Background(), 100))
	assert.Equal(t, 1, s.Size(context.Background(), 0))
	assert.InDelta(t, 0, s.MinRatio(), 1e-9)
}
