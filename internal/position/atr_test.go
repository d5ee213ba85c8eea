package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candle(day int, open, high, low, close float64) domain.Candle {
	return domain.Candle{
		Time:  time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
		Open:  open,
		High:  high,
		Low:   low,
		Close: close,
	}
}

type stubCandles struct {
	candles []domain.Candle
	err     error
	asked   int
}

func (s *stubCandles) DailyCandles(_ context.Context, _ string, n int) ([]domain.Candle, error) {
	s.asked = n
	if s.err != nil {
		return nil, s.err
	}
	return s.candles, nil
}

func TestTrueRange(t *testing.T) {
	prev := candle(1, 0, 0, 0, 100)
	assert.InDelta(t, 4, TrueRange(candle(2, 101, 103, 99, 102), prev), 1e-9)
	// Gap up: distance from the previous close dominates.
	assert.InDelta(t, 6, TrueRange(candle(2, 105, 106, 104, 105), prev), 1e-9)
	// Gap down.
	assert.InDelta(t, 7, TrueRange(candle(2, 94, 95, 93, 94), prev), 1e-9)
}

func TestATR(t *testing.T) {
	candles := []domain.Candle{
		candle(1, 100, 101, 99, 100),
		candle(2, 100, 102, 99, 101),
		candle(3, 101, 103, 100, 102),
		candle(4, 102, 108, 102, 107),
	}

	v, err := ATR(candles, 14)
	require.NoError(t, err)
	assert.InDelta(t, 4, v, 1e-9)

	v, err = ATR(candles, 2)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, v, 1e-9)

	_, err = ATR(candles[:1], 14)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	_, err = ATR(candles, 0)
	assert.Error(t, err)
}

func TestFallbackATR(t *testing.T) {
	assert.InDelta(t, 5, FallbackATR(5, 15, 15, 20), 1e-9)
	assert.InDelta(t, 10, FallbackATR(5, 30, 15, 20), 1e-9)
	assert.InDelta(t, 20, FallbackATR(5, 90, 15, 20), 1e-9)
	// Unknown volatility keeps the base estimate.
	assert.InDelta(t, 5, FallbackATR(5, 0, 15, 20), 1e-9)
}

func TestATREstimator(t *testing.T) {
	cfg := ATRConfig{Lookback: 14, BaseEstimate: 5, ReferenceVol: 15, MaxEstimate: 20}
	ctx := context.Background()

	t.Run("history", func(t *testing.T) {
		src := &stubCandles{candles: []domain.Candle{
			candle(1, 100, 101, 99, 100),
			candle(2, 100, 102, 99, 101),
		}}
		v, fromHistory := NewATREstimator(src, cfg, discardLogger()).Estimate(ctx, "SPY", 30)
		assert.True(t, fromHistory)
		assert.InDelta(t, 3, v, 1e-9)
		assert.Equal(t, 15, src.asked)
	})

	t.Run("fallback on error", func(t *testing.T) {
		src := &stubCandles{err: errors.New("boom")}
		v, fromHistory := NewATREstimator(src, cfg, discardLogger()).Estimate(ctx, "SPY", 30)
		assert.False(t, fromHistory)
		assert.InDelta(t, 10, v, 1e-9)
	})

	t.Run("fallback on flat history", func(t *testing.T) {
		src := &stubCandles{candles: []domain.Candle{
			candle(1, 100, 100, 100, 100),
			candle(2, 100, 100, 100, 100),
		}}
		v, fromHistory := NewATREstimator(src, cfg, discardLogger()).Estimate(ctx, "SPY", 15)
		assert.False(t, fromHistory)
		assert.InDelta(t, 5, v, 1e-9)
	})

	t.Run("no source", func(t *testing.T) {
		v, fromHistory := NewATREstimator(nil, cfg, discardLogger()).Estimate(ctx, "SPY", 15)
		assert.False(t, fromHistory)
		assert.InDelta(t, 5, v, 1e-9)
	})
}

func TestSpreadPnL(t *testing.T) {
	assert.Equal(t, -600.0, SpreadPnL(0.40, 1.00, 10))
	assert.Equal(t, 150.0, SpreadPnL(1.50, 1.00, 3))
	assert.Equal(t, 700.0, SpreadPnL(2.00, 1.00, 7))
	assert.Equal(t, 0.0, SpreadPnL(1.00, 1.00, 7))
	assert.Equal(t, 0.3, AddPnL(0.1, 0.2))
	assert.Equal(t, 1000.0, MaxProfit(2, 1, 10))
	assert.Equal(t, 1200.0, MaxLoss(1.2, 10))
}
