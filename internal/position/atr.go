package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// TrueRange is the largest of high-low, |high-prevClose| and |low-prevClose|.
func TrueRange(c, prev domain.Candle) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
}

// ATR is the simple mean of the last lookback true ranges. Candles are
// oldest first; at least two are required.
func ATR(candles []domain.Candle, lookback int) (float64, error) {
	if lookback <= 0 {
		return 0, fmt.Errorf("position: atr lookback must be positive, got %d", lookback)
	}
	if len(candles) < 2 {
		return 0, fmt.Errorf("position: atr needs at least 2 candles, got %d: %w", len(candles), domain.ErrDataUnavailable)
	}

	start := 1
	if n := len(candles) - lookback; n > start {
		start = n
	}
	var sum float64
	for i := start; i < len(candles); i++ {
		sum += TrueRange(candles[i], candles[i-1])
	}
	return sum / float64(len(candles)-start), nil
}

// FallbackATR scales a base estimate by the ratio of the current volatility
// index to its reference level, capped at maxEstimate.
func FallbackATR(base, volIndex, referenceVol, maxEstimate float64) float64 {
	est := base
	if volIndex > 0 && referenceVol > 0 {
		est = base * (volIndex / referenceVol)
	}
	if maxEstimate > 0 && est > maxEstimate {
		est = maxEstimate
	}
	return est
}

// ATRConfig parameterises the estimator.
type ATRConfig struct {
	Lookback     int
	BaseEstimate float64
	ReferenceVol float64
	MaxEstimate  float64
}

// ATREstimator computes the volatility distance used by the trailing stop.
type ATREstimator struct {
	candles domain.CandleSource
	cfg     ATRConfig
	logger  *slog.Logger
}

// NewATREstimator creates an estimator. candles may be nil, in which case the
// volatility-index fallback is always used.
func NewATREstimator(candles domain.CandleSource, cfg ATRConfig, logger *slog.Logger) *ATREstimator {
	return &ATREstimator{
		candles: candles,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "atr")),
	}
}

// Estimate returns the ATR for symbol, falling back to the scaled estimate
// when history is unavailable. fromHistory reports which path was taken.
func (e *ATREstimator) Estimate(ctx context.Context, symbol string, volIndex float64) (atr float64, fromHistory bool) {
	if e.candles != nil {
		// One extra candle supplies the previous close for the oldest range.
		candles, err := e.candles.DailyCandles(ctx, symbol, e.cfg.Lookback+1)
		if err == nil {
			v, atrErr := ATR(candles, e.cfg.Lookback)
			if atrErr == nil && v > 0 {
				return v, true
			}
			if atrErr == nil {
				atrErr = errors.New("position: atr from history is zero")
			}
			err = atrErr
		}
		e.logger.WarnContext(ctx, "atr: history unavailable, using volatility fallback",
			slog.String("symbol", symbol),
			slog.Any("error", err),
		)
	}
	return FallbackATR(e.cfg.BaseEstimate, volIndex, e.cfg.ReferenceVol, e.cfg.MaxEstimate), false
}
