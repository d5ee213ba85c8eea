// Package strategy turns market context and provider signals into a single
// entry candidate: signal arbitration, market-context resolution and strike
// selection.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// Arbiter reconciles the ML and advisor signals into one decision. ML is
// primary: the advisor is consulted only when ML is unavailable or says stay
// out, so an override can only replace a stay-out.
type Arbiter struct {
	logger *slog.Logger
}

// NewArbiter creates an Arbiter.
func NewArbiter(logger *slog.Logger) *Arbiter {
	return &Arbiter{logger: logger.With(slog.String("component", "arbiter"))}
}

// MLKind maps an ML signal to a spread kind. A valid hint wins; otherwise
// LONG maps to a bull call and SHORT to a bear put. ok is false for stay-out
// or unrecognised advice.
func MLKind(s domain.MLSignal) (domain.SpreadKind, bool) {
	switch s.Advice {
	case domain.MLAdviceLong, domain.MLAdviceShort:
	default:
		return "", false
	}
	if s.SpreadKindHint.Valid() {
		return s.SpreadKindHint, true
	}
	if s.Advice == domain.MLAdviceLong {
		return domain.SpreadBullCallDebit, true
	}
	return domain.SpreadBearPutDebit, true
}

// AdvisorKind maps an advisor TRADE to a spread kind.
func AdvisorKind(s domain.AdvisorSignal) (domain.SpreadKind, bool) {
	if s.Advice != domain.AdvisorTrade {
		return "", false
	}
	switch s.Direction {
	case domain.DirectionBullish:
		return domain.SpreadBullCallDebit, true
	case domain.DirectionBearish:
		return domain.SpreadBearPutDebit, true
	default:
		return "", false
	}
}

// Decide arbitrates. Either signal may be nil when its provider had nothing.
func (a *Arbiter) Decide(ctx context.Context, ml *domain.MLSignal, advisor *domain.AdvisorSignal, mc domain.MarketContext) domain.Decision {
	if ml == nil && advisor == nil {
		return domain.Decision{Reason: "no signal providers available"}
	}

	if ml != nil {
		if kind, ok := MLKind(*ml); ok {
			if advisor != nil {
				if advKind, advOK := AdvisorKind(*advisor); advOK && advKind != kind {
					a.logger.InfoContext(ctx, "arbiter: ml and advisor disagree, ml is primary",
						slog.String("ml_kind", string(kind)),
						slog.String("advisor_kind", string(advKind)),
					)
				}
			}
			return domain.Decision{
				Kind:           kind,
				Source:         domain.SourceML,
				Reason:         "ml " + string(ml.Advice),
				Confidence:     ml.Confidence,
				WinProbability: ml.WinProbability,
				Rationale:      ml.Reasoning,
			}
		}
	}

	mlStayOut := ml != nil && ml.Advice == domain.MLAdviceStayOut
	mlPart := "ml: unavailable"
	if ml != nil {
		mlPart = describe("ml", string(ml.Advice), ml.Reasoning)
	}

	if advisor == nil {
		return domain.Decision{Reason: mlPart + "; advisor: unavailable"}
	}
	kind, ok := AdvisorKind(*advisor)
	if !ok {
		return domain.Decision{Reason: mlPart + "; " + describe("advisor", string(advisor.Advice), advisor.Reasoning)}
	}

	d := domain.Decision{
		Kind:           kind,
		Source:         domain.SourceAdvisor,
		Reason:         fmt.Sprintf("advisor TRADE %s", advisor.Direction),
		Confidence:     advisor.Confidence,
		WinProbability: advisor.WinProbability,
		Rationale:      advisor.Reasoning,
	}
	if mlStayOut {
		d.Override = &domain.OverrideInfo{
			OverriddenSource:      domain.SourceML,
			OverriddenAdvice:      string(domain.MLAdviceStayOut),
			OverriddenBy:          "advisor",
			AdvisorConfidence:     advisor.Confidence,
			AdvisorWinProbability: advisor.WinProbability,
			Reason:                advisor.Reasoning,
		}
		a.logger.WarnContext(ctx, "arbiter: advisor override",
			slog.String("symbol", mc.Symbol),
			slog.String("kind", string(kind)),
			slog.String("overridden_source", string(d.Override.OverriddenSource)),
			slog.String("overridden_advice", d.Override.OverriddenAdvice),
			slog.String("overridden_by", d.Override.OverriddenBy),
			slog.Float64("advisor_confidence", advisor.Confidence),
			slog.Float64("advisor_win_probability", advisor.WinProbability),
			slog.String("reason", advisor.Reasoning),
		)
	}
	return d
}

func describe(source, advice, reasoning string) string {
	if reasoning == "" {
		return source + ": " + advice
	}
	return source + ": " + advice + " (" + reasoning + ")"
}
