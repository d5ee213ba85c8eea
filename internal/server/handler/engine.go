package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// Engine is the operator surface of the trader.
type Engine interface {
	GetStatus(ctx context.Context) domain.Status
	GetLivePnL(ctx context.Context) domain.LivePnL
	Positions() []domain.Position
	RunCycleNow(ctx context.Context) (domain.CycleResult, error)
	RunSettlement(ctx context.Context, date time.Time) (domain.SettlementResult, error)
}

// EngineHandler serves status, P&L and the manual triggers.
type EngineHandler struct {
	engine   Engine
	mode     string
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngineHandler creates an EngineHandler. loc is the session timezone used
// to default the settlement date.
func NewEngineHandler(engine Engine, mode string, loc *time.Location, logger *slog.Logger) *EngineHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &EngineHandler{
		engine:   engine,
		mode:     mode,
		location: loc,
		now:      time.Now,
		logger:   logger.With(slog.String("handler", "engine")),
	}
}

type statusResponse struct {
	Mode string `json:"mode"`
	domain.Status
}

// GetStatus returns the engine summary.
// GET /api/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Mode: h.mode, Status: h.engine.GetStatus(r.Context())})
}

// GetLivePnL returns the mark-to-market view of open positions.
// GET /api/pnl
func (h *EngineHandler) GetLivePnL(w http.ResponseWriter, r *http.Request) {
	pnl := h.engine.GetLivePnL(r.Context())
	if pnl.Positions == nil {
		pnl.Positions = []domain.PositionPnL{}
	}
	writeJSON(w, http.StatusOK, pnl)
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns the open positions held in memory.
// GET /api/positions
func (h *EngineHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.Positions()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// TriggerCycle runs one cycle now. A cycle already running answers 409.
// POST /api/cycle
func (h *EngineHandler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RunCycleNow(r.Context())
	if err != nil {
		h.logger.InfoContext(r.Context(), "handler: manual cycle not run", slog.String("error", err.Error()))
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "cycle": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TriggerSettlement settles positions expiring on or before date, today in
// the session timezone by default.
// POST /api/settlement?date=YYYY-MM-DD
func (h *EngineHandler) TriggerSettlement(w http.ResponseWriter, r *http.Request) {
	today := domain.CivilDate(h.now().In(h.location))
	date, err := parseDate(r, "date", today)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.RunSettlement(r.Context(), date)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: settlement failed",
			slog.String("date", date.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if res.Settled == nil {
		res.Settled = []domain.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, res)
}
