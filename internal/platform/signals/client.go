// Package signals holds the HTTP clients for the two signal providers: the
// statistical model and the advisor.
package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/platform/rest"
)

type contextRequest struct {
	Symbol    string  `json:"symbol"`
	Spot      float64 `json:"spot"`
	VolIndex  float64 `json:"vol_index"`
	CallWall  float64 `json:"call_wall"`
	PutWall   float64 `json:"put_wall"`
	FlipPoint float64 `json:"flip_point"`
	NetGamma  float64 `json:"net_gamma"`
	Regime    string  `json:"regime"`
	Timestamp string  `json:"timestamp"`
}

func requestFor(mc domain.MarketContext) contextRequest {
	return contextRequest{
		Symbol:    mc.Symbol,
		Spot:      mc.Spot,
		VolIndex:  mc.VolIndex,
		CallWall:  mc.CallWall,
		PutWall:   mc.PutWall,
		FlipPoint: mc.FlipPoint,
		NetGamma:  mc.NetGamma,
		Regime:    mc.Regime,
		Timestamp: mc.Timestamp.UTC().Format(time.RFC3339),
	}
}

// MLClient implements domain.MLSignalProvider.
type MLClient struct {
	api *rest.Client
}

// NewMLClient creates an MLClient.
func NewMLClient(cfg rest.Config) *MLClient {
	return &MLClient{api: rest.New(cfg)}
}

// MLSignal posts the market context and returns the model's call. An empty
// response means the model has nothing this cycle.
func (c *MLClient) MLSignal(ctx context.Context, mc domain.MarketContext) (domain.MLSignal, error) {
	var sig domain.MLSignal
	if err := c.api.Post(ctx, "/v1/ml/signal", requestFor(mc), &sig); err != nil {
		return domain.MLSignal{}, fmt.Errorf("signals: ml: %w: %w", domain.ErrDataUnavailable, err)
	}
	switch sig.Advice {
	case domain.MLAdviceLong, domain.MLAdviceShort, domain.MLAdviceStayOut:
	case "":
		return domain.MLSignal{}, fmt.Errorf("signals: ml: empty response: %w", domain.ErrDataUnavailable)
	default:
		return domain.MLSignal{}, fmt.Errorf("signals: ml: unknown advice %q: %w", sig.Advice, domain.ErrDataUnavailable)
	}
	if sig.SpreadKindHint != "" && !sig.SpreadKindHint.Valid() {
		sig.SpreadKindHint = ""
	}
	return sig, nil
}

// AdvisorClient implements domain.AdvisorSignalProvider.
type AdvisorClient struct {
	api *rest.Client
}

// NewAdvisorClient creates an AdvisorClient.
func NewAdvisorClient(cfg rest.Config) *AdvisorClient {
	return &AdvisorClient{api: rest.New(cfg)}
}

// AdvisorSignal posts the market context and returns the advisor's call.
func (c *AdvisorClient) AdvisorSignal(ctx context.Context, mc domain.MarketContext) (domain.AdvisorSignal, error) {
	var sig domain.AdvisorSignal
	if err := c.api.Post(ctx, "/v1/advisor/signal", requestFor(mc), &sig); err != nil {
		return domain.AdvisorSignal{}, fmt.Errorf("signals: advisor: %w: %w", domain.ErrDataUnavailable, err)
	}
	switch sig.Advice {
	case domain.AdvisorTrade, domain.AdvisorSkip:
	case "":
		return domain.AdvisorSignal{}, fmt.Errorf("signals: advisor: empty response: %w", domain.ErrDataUnavailable)
	default:
		return domain.AdvisorSignal{}, fmt.Errorf("signals: advisor: unknown advice %q: %w", sig.Advice, domain.ErrDataUnavailable)
	}
	return sig, nil
}
