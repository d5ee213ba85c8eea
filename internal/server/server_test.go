package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/metrics"
	"github.com/alanyoungcy/spreadbot/internal/server/handler"
)

type idleEngine struct{}

func (idleEngine) GetStatus(context.Context) domain.Status   { return domain.Status{} }
func (idleEngine) GetLivePnL(context.Context) domain.LivePnL { return domain.LivePnL{} }
func (idleEngine) Positions() []domain.Position              { return nil }

func (idleEngine) RunCycleNow(context.Context) (domain.CycleResult, error) {
	return domain.CycleResult{Outcome: domain.CycleCompleted}, nil
}

func (idleEngine) RunSettlement(_ context.Context, date time.Time) (domain.SettlementResult, error) {
	return domain.SettlementResult{AsOf: date}, nil
}

func newTestServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	return NewServer(Config{APIKey: "k", TriggerRatePerMinute: 1}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Engine:  handler.NewEngineHandler(idleEngine{}, "paper", time.UTC, logger),
		Metrics: m.Handler(),
	}, nil, logger)
}

func call(h http.Handler, method, path, key string) int {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestServer_Routes(t *testing.T) {
	h := newTestServer().Handler()

	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/api/health", ""))
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/metrics", ""))
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodGet, "/api/status", ""))
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/api/status", "k"))
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/api/pnl", "k"))
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/api/positions", "k"))
	assert.Equal(t, http.StatusMethodNotAllowed, call(h, http.MethodGet, "/api/cycle", "k"))
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodGet, "/ws", "k"), "no hub configured")
}

func TestServer_TriggersAreRateLimited(t *testing.T) {
	h := newTestServer().Handler()

	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/api/cycle", "k"))
	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, "/api/settlement?date=2026-03-20", "k"))
	assert.Equal(t, http.StatusTooManyRequests, call(h, http.MethodPost, "/api/cycle", "k"))
	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/api/status", "k"))
}
