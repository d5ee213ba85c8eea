package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// RiskConfig holds the tunable parameters for the entry gate and sizer.
type RiskConfig struct {
	MinRRRatio       float64
	RiskBudget       float64
	DefaultContracts int
	MaxContracts     int
}

// RiskService provides the wall-based reward:risk gate and the position
// sizer applied to every entry candidate.
type RiskService struct {
	cfg    RiskConfig
	logger *slog.Logger
}

// NewRiskService creates a RiskService.
func NewRiskService(cfg RiskConfig, logger *slog.Logger) *RiskService {
	return &RiskService{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk_service")),
	}
}

// ComputeRR measures the distance to the target wall against the distance to
// the protective wall. A bull-call targets the call wall with the put wall
// as support; a bear-put is the mirror image. Ratio is +Inf when there is no
// risk left and 0 when there is no reward left; no-risk takes precedence.
func ComputeRR(kind domain.SpreadKind, spot, callWall, putWall float64) (domain.RiskRewardResult, error) {
	if callWall <= putWall {
		return domain.RiskRewardResult{}, fmt.Errorf("risk_service: call wall %.2f <= put wall %.2f: %w",
			callWall, putWall, domain.ErrInvalidWalls)
	}

	var reward, risk float64
	var target, support string
	if kind.Bullish() {
		reward, risk = callWall-spot, spot-putWall
		target, support = "call wall", "put wall"
	} else {
		reward, risk = spot-putWall, callWall-spot
		target, support = "put wall", "call wall"
	}

	res := domain.RiskRewardResult{Reward: reward, Risk: risk}
	switch {
	case risk <= 0:
		res.Ratio = math.Inf(1)
		res.Explanation = fmt.Sprintf("price already through the %s (%.2f from it); reward %.2f to the %s",
			support, risk, reward, target)
	case reward <= 0:
		res.Ratio = 0
		res.Explanation = fmt.Sprintf("no room to the %s (%.2f); risk %.2f to the %s",
			target, reward, risk, support)
	default:
		res.Ratio = reward / risk
		res.Explanation = fmt.Sprintf("reward %.2f to the %s, risk %.2f to the %s, ratio %.2f",
			reward, target, risk, support, res.Ratio)
	}
	return res, nil
}

// Gate computes the ratio for a candidate and reports whether it clears the
// configured minimum.
func (s *RiskService) Gate(ctx context.Context, kind domain.SpreadKind, mc domain.MarketContext) (domain.RiskRewardResult, bool, error) {
	res, err := ComputeRR(kind, mc.Spot, mc.CallWall, mc.PutWall)
	if err != nil {
		return res, false, err
	}
	if res.Ratio < s.cfg.MinRRRatio {
		s.logger.InfoContext(ctx, "risk_service: risk/reward rejected",
			slog.String("kind", string(kind)),
			slog.Float64("ratio", res.Ratio),
			slog.Float64("min_ratio", s.cfg.MinRRRatio),
			slog.String("explanation", res.Explanation),
		)
		return res, false, nil
	}
	return res, true, nil
}

// MinRatio is the configured gate threshold.
func (s *RiskService) MinRatio() float64 {
	return s.cfg.MinRRRatio
}

// Size converts the risk budget into a contract count for a spread losing
// maxLossPerContract dollars per contract at worst.
func (s *RiskService) Size(ctx context.Context, maxLossPerContract float64) int {
	if maxLossPerContract <= 0 {
		s.logger.WarnContext(ctx, "risk_service: non-positive max loss per contract, sizing to 1",
			slog.Float64("max_loss_per_contract", maxLossPerContract),
		)
		return 1
	}
	return Size(maxLossPerContract, s.cfg.RiskBudget, s.cfg.DefaultContracts, s.cfg.MaxContracts)
}

// Size is floor(budget / maxLossPerContract) clamped to
// [1, min(defaultContracts, maxContracts)]. A non-positive loss yields 1.
func Size(maxLossPerContract, budget float64, defaultContracts, maxContracts int) int {
	if maxLossPerContract <= 0 {
		return 1
	}
	upper := defaultContracts
	if maxContracts > 0 && maxContracts < upper {
		upper = maxContracts
	}
	if upper < 1 {
		upper = 1
	}
	n := int(math.Floor(budget / maxLossPerContract))
	return max(1, min(n, upper))
}
