package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// SimulatorConfig describes the session the pricing model decays over.
type SimulatorConfig struct {
	Location *time.Location
	// Open and Close are offsets from local midnight.
	Open  time.Duration
	Close time.Duration
	Now   func() time.Time
}

// Simulator is the paper execution capability. Orders fill immediately at
// their limit price. Quotes come from a time-decay model: at the open a
// same-day spread is worth half its width, at the close its intrinsic value,
// blending linearly in between.
type Simulator struct {
	cfg    SimulatorConfig
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	fills  int
	volume int
}

const tick = 0.01

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		cfg:    cfg,
		now:    now,
		logger: logger.With(slog.String("component", "simulator")),
	}
}

// Live implements domain.Execution.
func (s *Simulator) Live() bool { return false }

// Intrinsic is the per-unit value of the spread if it expired at underlying.
func Intrinsic(kind domain.SpreadKind, long, short, underlying float64) float64 {
	width := math.Abs(short - long)
	var v float64
	if kind.Bullish() {
		v = underlying - long
	} else {
		v = long - underlying
	}
	return math.Min(width, math.Max(0, v))
}

// remaining is the fraction of the session left at now, in [0, 1]. Spreads
// expiring after today keep their full time value.
func (s *Simulator) remaining(expiration time.Time) float64 {
	local := s.now().In(s.cfg.Location)
	if domain.CivilDate(expiration).After(domain.CivilDate(local)) {
		return 1
	}
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
	open, closeAt := midnight.Add(s.cfg.Open), midnight.Add(s.cfg.Close)
	if !closeAt.After(open) {
		return 0
	}
	frac := float64(closeAt.Sub(local)) / float64(closeAt.Sub(open))
	return math.Min(1, math.Max(0, frac))
}

// QuoteSpread implements domain.Execution.
func (s *Simulator) QuoteSpread(_ context.Context, req domain.QuoteRequest) (float64, error) {
	if !req.Kind.Valid() {
		return 0, fmt.Errorf("simulator: quote: unknown kind %q: %w", req.Kind, domain.ErrDataUnavailable)
	}
	width := math.Abs(req.ShortStrike - req.LongStrike)
	if width <= 0 || req.Underlying <= 0 {
		return 0, fmt.Errorf("simulator: quote: width %.2f underlying %.2f: %w", width, req.Underlying, domain.ErrDataUnavailable)
	}

	w := s.remaining(req.Expiration)
	intrinsic := Intrinsic(req.Kind, req.LongStrike, req.ShortStrike, req.Underlying)
	value := w*(width/2) + (1-w)*intrinsic
	value = math.Round(value/tick) * tick
	return math.Min(width-tick, math.Max(tick, value)), nil
}

// PlaceSpread implements domain.Execution.
func (s *Simulator) PlaceSpread(ctx context.Context, order domain.SpreadOrder) (domain.EntryFill, error) {
	if order.Contracts < 1 || order.LimitDebit <= 0 {
		return domain.EntryFill{}, fmt.Errorf("simulator: place spread: contracts %d limit %.4f: %w",
			order.Contracts, order.LimitDebit, domain.ErrExecution)
	}
	ref := s.record(order.Contracts)
	s.logger.InfoContext(ctx, "simulator: spread opened",
		slog.String("order_ref", ref),
		slog.String("kind", string(order.Kind)),
		slog.Int("contracts", order.Contracts),
		slog.Float64("debit", order.LimitDebit),
	)
	return domain.EntryFill{FilledDebit: order.LimitDebit, OrderRef: ref}, nil
}

// CloseSpread implements domain.Execution.
func (s *Simulator) CloseSpread(ctx context.Context, order domain.CloseOrder) (domain.CloseFill, error) {
	if order.Contracts < 1 || order.Contracts > order.Position.ContractsRemaining {
		return domain.CloseFill{}, fmt.Errorf("simulator: close spread %s: %d of %d contracts: %w",
			order.Position.ID, order.Contracts, order.Position.ContractsRemaining, domain.ErrExecution)
	}
	ref := s.record(order.Contracts)
	s.logger.InfoContext(ctx, "simulator: spread closed",
		slog.String("order_ref", ref),
		slog.String("position_id", order.Position.ID),
		slog.Int("contracts", order.Contracts),
		slog.Float64("value", order.LimitValue),
	)
	return domain.CloseFill{FilledValue: order.LimitValue, OrderRef: ref}, nil
}

func (s *Simulator) record(contracts int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills++
	s.volume += contracts
	return "sim-" + uuid.NewString()
}

// Fills returns the number of simulated fills and the contracts they moved.
func (s *Simulator) Fills() (fills, contracts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills, s.volume
}
