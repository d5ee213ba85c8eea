// Package marketdata is the HTTP client for the market-context service: spot,
// volatility index and positioning walls, daily candles, and official closes.
package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/platform/rest"
)

// Client implements domain.MarketContextProvider, domain.CandleSource and
// domain.SettlementPriceSource against one endpoint.
type Client struct {
	name string
	api  *rest.Client
}

// New creates a Client. name identifies the endpoint in logs and on the
// resolved context.
func New(name string, cfg rest.Config) *Client {
	return &Client{name: name, api: rest.New(cfg)}
}

// Name implements domain.MarketContextProvider.
func (c *Client) Name() string {
	return c.name
}

type contextResponse struct {
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

// MarketContext fetches the current snapshot for symbol.
func (c *Client) MarketContext(ctx context.Context, symbol string) (domain.MarketContext, error) {
	var resp contextResponse
	if err := c.api.Get(ctx, "/v1/context/"+url.PathEscape(symbol), &resp); err != nil {
		return domain.MarketContext{}, fmt.Errorf("marketdata: context %s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}

	var ts time.Time
	if resp.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, resp.Timestamp)
		if err != nil {
			return domain.MarketContext{}, fmt.Errorf("marketdata: context %s: bad timestamp %q: %w", symbol, resp.Timestamp, domain.ErrDataUnavailable)
		}
		ts = parsed
	}
	if resp.Symbol == "" {
		resp.Symbol = symbol
	}

	return domain.MarketContext{
		Symbol:    resp.Symbol,
		Spot:      resp.Spot,
		VolIndex:  resp.VolIndex,
		CallWall:  resp.CallWall,
		PutWall:   resp.PutWall,
		FlipPoint: resp.FlipPoint,
		NetGamma:  resp.NetGamma,
		Regime:    resp.Regime,
		Timestamp: ts,
		Source:    c.name,
	}, nil
}

// DailyCandles returns the last n daily bars, oldest first.
func (c *Client) DailyCandles(ctx context.Context, symbol string, n int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("days", strconv.Itoa(n))

	var candles []domain.Candle
	path := "/v1/candles/" + url.PathEscape(symbol) + "?" + params.Encode()
	if err := c.api.Get(ctx, path, &candles); err != nil {
		return nil, fmt.Errorf("marketdata: candles %s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time.Before(candles[i-1].Time) {
			return nil, fmt.Errorf("marketdata: candles %s: not in time order: %w", symbol, domain.ErrDataUnavailable)
		}
	}
	return candles, nil
}

type closeResponse struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Close  float64 `json:"close"`
}

// ClosingPrice returns the official close of symbol on date.
func (c *Client) ClosingPrice(ctx context.Context, symbol string, date time.Time) (float64, error) {
	day := date.Format("2006-01-02")
	params := url.Values{}
	params.Set("date", day)

	var resp closeResponse
	path := "/v1/close/" + url.PathEscape(symbol) + "?" + params.Encode()
	if err := c.api.Get(ctx, path, &resp); err != nil {
		return 0, fmt.Errorf("marketdata: close %s %s: %w: %w", symbol, day, domain.ErrDataUnavailable, err)
	}
	if resp.Close <= 0 {
		return 0, fmt.Errorf("marketdata: close %s %s: non-positive price %.4f: %w", symbol, day, resp.Close, domain.ErrDataUnavailable)
	}
	return resp.Close, nil
}
