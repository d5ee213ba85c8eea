// Package executor provides the execution capability for debit spreads: a
// live broker adapter and a paper simulator, plus entry deduplication.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/platform/rest"
)

// BrokerConfig parameterises a Broker.
type BrokerConfig struct {
	REST      rest.Config
	AccountID string

	// RetryDelay is the pause before the single resend of an order that
	// failed with a temporary error. The resend reuses the client order id.
	RetryDelay time.Duration
}

// Broker routes spread orders to a live venue over HTTPS.
type Broker struct {
	api        *rest.Client
	account    string
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewBroker creates a Broker.
func NewBroker(cfg BrokerConfig, logger *slog.Logger) *Broker {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Broker{
		api:        rest.New(cfg.REST),
		account:    cfg.AccountID,
		retryDelay: delay,
		logger:     logger.With(slog.String("component", "broker")),
	}
}

// Live implements domain.Execution.
func (b *Broker) Live() bool { return true }

type quoteRequest struct {
	Kind        string  `json:"kind"`
	Symbol      string  `json:"symbol"`
	LongStrike  float64 `json:"long_strike"`
	ShortStrike float64 `json:"short_strike"`
	Expiration  string  `json:"expiration"`
}

type quoteResponse struct {
	Mid float64 `json:"mid"`
}

// QuoteSpread returns the venue mid for one unit of the spread.
func (b *Broker) QuoteSpread(ctx context.Context, req domain.QuoteRequest) (float64, error) {
	var resp quoteResponse
	err := b.api.Post(ctx, b.path("quotes/spread"), quoteRequest{
		Kind:        string(req.Kind),
		Symbol:      req.Symbol,
		LongStrike:  req.LongStrike,
		ShortStrike: req.ShortStrike,
		Expiration:  req.Expiration.Format("2006-01-02"),
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("broker: quote: %w: %w", domain.ErrDataUnavailable, err)
	}
	return resp.Mid, nil
}

type orderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Action        string  `json:"action"`
	Kind          string  `json:"kind"`
	Symbol        string  `json:"symbol"`
	LongStrike    float64 `json:"long_strike"`
	ShortStrike   float64 `json:"short_strike"`
	Expiration    string  `json:"expiration"`
	Contracts     int     `json:"contracts"`
	LimitPrice    float64 `json:"limit_price"`
}

type orderResponse struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	FilledContracts int     `json:"filled_contracts"`
	FillPrice       float64 `json:"fill_price"`
	Message         string  `json:"message"`
}

// PlaceSpread opens a debit spread. It returns only once the venue reports a
// complete fill; anything else is an execution failure.
func (b *Broker) PlaceSpread(ctx context.Context, order domain.SpreadOrder) (domain.EntryFill, error) {
	resp, err := b.submit(ctx, orderRequest{
		ClientOrderID: order.ClientOrderID,
		Action:        "open",
		Kind:          string(order.Kind),
		Symbol:        order.Symbol,
		LongStrike:    order.LongStrike,
		ShortStrike:   order.ShortStrike,
		Expiration:    order.Expiration.Format("2006-01-02"),
		Contracts:     order.Contracts,
		LimitPrice:    order.LimitDebit,
	}, order.Contracts)
	if err != nil {
		return domain.EntryFill{}, fmt.Errorf("broker: place spread: %w", err)
	}
	return domain.EntryFill{FilledDebit: resp.FillPrice, OrderRef: resp.OrderID}, nil
}

// CloseSpread sells contracts of an open position.
func (b *Broker) CloseSpread(ctx context.Context, order domain.CloseOrder) (domain.CloseFill, error) {
	p := order.Position
	resp, err := b.submit(ctx, orderRequest{
		ClientOrderID: order.ClientOrderID,
		Action:        "close",
		Kind:          string(p.Kind),
		Symbol:        p.Symbol,
		LongStrike:    p.LongStrike,
		ShortStrike:   p.ShortStrike,
		Expiration:    p.Expiration.Format("2006-01-02"),
		Contracts:     order.Contracts,
		LimitPrice:    order.LimitValue,
	}, order.Contracts)
	if err != nil {
		return domain.CloseFill{}, fmt.Errorf("broker: close spread %s: %w", p.ID, err)
	}
	return domain.CloseFill{FilledValue: resp.FillPrice, OrderRef: resp.OrderID}, nil
}

func (b *Broker) submit(ctx context.Context, req orderRequest, contracts int) (orderResponse, error) {
	log := b.logger.With(
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("action", req.Action),
		slog.String("kind", req.Kind),
		slog.Int("contracts", contracts),
	)

	var resp orderResponse
	err := b.api.Post(ctx, b.path("orders/spread"), req, &resp)
	if err != nil && rest.Temporary(err) {
		log.Warn("broker: order request failed, resending",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("%w: %w", domain.ErrExecution, ctx.Err())
		case <-time.After(b.retryDelay):
		}
		resp = orderResponse{}
		err = b.api.Post(ctx, b.path("orders/spread"), req, &resp)
	}
	if err != nil {
		log.Error("broker: order failed", slog.String("error", err.Error()))
		return resp, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}

	if !strings.EqualFold(resp.Status, "filled") || resp.FilledContracts != contracts {
		log.Error("broker: order not filled",
			slog.String("order_id", resp.OrderID),
			slog.String("status", resp.Status),
			slog.Int("filled_contracts", resp.FilledContracts),
			slog.String("message", resp.Message),
		)
		return resp, fmt.Errorf("%w: order %s %s (%d/%d filled): %s",
			domain.ErrExecution, resp.OrderID, resp.Status, resp.FilledContracts, contracts, resp.Message)
	}

	log.Info("broker: order filled",
		slog.String("order_id", resp.OrderID),
		slog.Float64("fill_price", resp.FillPrice),
	)
	return resp, nil
}

func (b *Broker) path(suffix string) string {
	return "/v1/accounts/" + url.PathEscape(b.account) + "/" + suffix
}
