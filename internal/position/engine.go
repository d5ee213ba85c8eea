// Package position implements the lifecycle engine for debit vertical
// positions: entry bookkeeping, ordered exit rules, scale-outs, full exits
// and reconciliation with the persisted store.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// Config parameterises the engine.
type Config struct {
	Rules Rules

	// PersistRetries is the number of attempts for writes that follow a
	// confirmed fill.
	PersistRetries int
	PersistBackoff time.Duration

	// RefreshATR re-estimates the volatility distance every cycle instead of
	// only at entry.
	RefreshATR bool

	// Now overrides the wall clock.
	Now func() time.Time
}

// pendingClose is a close whose order filled but whose terminal status could
// not be written. Only the write is retried.
type pendingClose struct {
	change   domain.StatusChange
	exit     domain.ExitEvent
	finalPnL float64
}

type ledger struct {
	day      time.Time
	loaded   bool
	realized float64
	entries  int
}

// Engine owns the in-memory set of open positions. The persisted store is
// authoritative; the set is a cache rebuilt by Sync. Callers must not run two
// cycles concurrently; Engine only guards its maps so read-only queries are
// safe from other goroutines.
type Engine struct {
	store  domain.PositionStore
	exec   domain.Execution
	atr    *ATREstimator
	events domain.EventSink
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	open      map[string]*domain.Position
	dirty     map[string]bool
	pending   map[string]pendingClose
	lastValue map[string]float64
	lastSpot  map[string]float64
	ledger    ledger
}

// NewEngine creates an Engine. atr may be nil, in which case new positions
// carry no volatility distance and only the giveback trailing trigger applies.
func NewEngine(
	store domain.PositionStore,
	exec domain.Execution,
	atr *ATREstimator,
	events domain.EventSink,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.PersistRetries < 1 {
		cfg.PersistRetries = 1
	}
	if cfg.Rules.Location == nil {
		cfg.Rules.Location = time.UTC
	}
	if events == nil {
		events = domain.DiscardEvents{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     store,
		exec:      exec,
		atr:       atr,
		events:    events,
		cfg:       cfg,
		now:       now,
		logger:    logger.With(slog.String("component", "position_engine")),
		open:      make(map[string]*domain.Position),
		dirty:     make(map[string]bool),
		pending:   make(map[string]pendingClose),
		lastValue: make(map[string]float64),
		lastSpot:  make(map[string]float64),
	}
}

// SessionDate is today's civil date in the session timezone.
func (e *Engine) SessionDate() time.Time {
	return domain.CivilDate(e.now().In(e.cfg.Rules.Location))
}

// startOfSession is local midnight of the current session date.
func (e *Engine) startOfSession() time.Time {
	local := e.now().In(e.cfg.Rules.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.cfg.Rules.Location)
}

// OpenRequest carries everything needed to record a filled entry.
type OpenRequest struct {
	Signal     domain.TradeSignal
	Fill       domain.EntryFill
	Contracts  int
	Market     domain.MarketContext
	RiskReward domain.RiskRewardResult
}

// Open records a confirmed entry fill as a new OPEN position. The position is
// tracked in memory even when the store write fails, because the order has
// already executed; the write is retried by Sync.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	sig := req.Signal
	debit := req.Fill.FilledDebit

	pos := domain.Position{
		ID:                 uuid.NewString(),
		Kind:               sig.Kind,
		Symbol:             sig.Symbol,
		LongStrike:         sig.LongStrike,
		ShortStrike:        sig.ShortStrike,
		Expiration:         domain.CivilDate(sig.Expiration),
		InitialContracts:   req.Contracts,
		ContractsRemaining: req.Contracts,
		EntryDebit:         debit,
		Entry: domain.EntryContext{
			UnderlyingPrice: req.Market.Spot,
			CallWall:        req.Market.CallWall,
			PutWall:         req.Market.PutWall,
			FlipPoint:       req.Market.FlipPoint,
			NetGamma:        req.Market.NetGamma,
			Regime:          req.Market.Regime,
			VolIndex:        req.Market.VolIndex,
			Confidence:      sig.Confidence,
			WinProbability:  sig.WinProbability,
			RRRatio:         req.RiskReward.Ratio,
			Source:          string(sig.Source),
			Override:        sig.Override,
			Rationale:       sig.Rationale,
		},
		Trailing: domain.TrailingState{
			HighWater:       req.Market.Spot,
			LowWater:        req.Market.Spot,
			PeakSpreadValue: debit,
		},
		Status:   domain.PositionStatusOpen,
		OpenedAt: e.now().UTC(),
		OrderRef: req.Fill.OrderRef,
	}
	pos.MaxProfit = MaxProfit(pos.Width(), debit, pos.InitialContracts)
	pos.MaxLoss = MaxLoss(debit, pos.InitialContracts)

	if err := pos.Validate(); err != nil {
		// The fill happened but cannot be represented; surface loudly.
		e.logger.ErrorContext(ctx, "position_engine: entry fill rejected",
			slog.String("order_ref", req.Fill.OrderRef),
			slog.Float64("filled_debit", debit),
			slog.Int("contracts", req.Contracts),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("position: open: %w", err)
	}

	if e.atr != nil {
		pos.Trailing.ATR, _ = e.atr.Estimate(ctx, pos.Symbol, req.Market.VolIndex)
	}

	e.mu.Lock()
	e.open[pos.ID] = &pos
	e.lastValue[pos.ID] = debit
	if req.Market.Spot > 0 {
		e.lastSpot[pos.Symbol] = req.Market.Spot
	}
	e.rollLedgerLocked()
	e.ledger.entries++
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "position_engine: position opened",
		slog.String("position_id", pos.ID),
		slog.String("kind", string(pos.Kind)),
		slog.Float64("long_strike", pos.LongStrike),
		slog.Float64("short_strike", pos.ShortStrike),
		slog.Int("contracts", pos.InitialContracts),
		slog.Float64("entry_debit", debit),
		slog.Float64("atr", pos.Trailing.ATR),
		slog.String("source", string(sig.Source)),
	)

	saved := pos
	if err := e.persist(ctx, "save", pos.ID, func(ctx context.Context) error {
		return e.store.Save(ctx, saved)
	}); err != nil {
		e.markDirty(pos.ID)
		e.persistenceFailed(ctx, pos.ID, "open", err)
		e.emit(ctx, domain.Event{Type: domain.EventPositionOpened, PositionID: pos.ID, Position: &saved})
		return pos, err
	}

	e.emit(ctx, domain.Event{Type: domain.EventPositionOpened, PositionID: pos.ID, Position: &saved})
	return pos, nil
}

// Evaluate runs one exit pass over a snapshot of the open positions. mc may
// be nil when no market context was available this cycle; positions are then
// quoted at the last known spot and evaluated on spread value alone.
func (e *Engine) Evaluate(ctx context.Context, mc *domain.MarketContext) []domain.ExitEvent {
	var exits []domain.ExitEvent

	for _, p := range e.Snapshot() {
		if ctx.Err() != nil {
			break
		}

		if ev, ok := e.retryPending(ctx, p.ID); ok {
			exits = append(exits, ev)
			continue
		}

		var underlying float64
		if mc != nil && (mc.Symbol == "" || mc.Symbol == p.Symbol) {
			underlying = mc.Spot
		}

		value, err := e.exec.QuoteSpread(ctx, domain.QuoteFor(p, e.quoteUnderlying(p, underlying)))
		if err != nil {
			if ev, ok := e.closeAtLastValue(ctx, p); ok {
				exits = append(exits, ev)
				continue
			}
			e.logger.WarnContext(ctx, "position_engine: quote unavailable, skipping position this cycle",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.setLastValue(p.ID, value)

		if e.cfg.RefreshATR && e.atr != nil && mc != nil {
			p.Trailing.ATR, _ = e.atr.Estimate(ctx, p.Symbol, mc.VolIndex)
		}

		before := p.Trailing
		obs := Observation{Now: e.now(), SpreadValue: value, Underlying: underlying}
		e.cfg.Rules.Observe(&p, obs)
		action := e.cfg.Rules.Evaluate(p, obs)

		switch action.Kind {
		case ActionScaleOut:
			e.logger.InfoContext(ctx, "position_engine: scale-out triggered",
				slog.String("position_id", p.ID),
				slog.String("reason", string(action.Reason)),
				slog.Int("contracts", action.Contracts),
				slog.String("detail", action.Detail),
			)
			ev, _ := e.ExecuteScaleOut(ctx, &p, action.Contracts, value, action.Reason)
			exits = append(exits, ev)
		case ActionClose:
			e.logger.InfoContext(ctx, "position_engine: exit triggered",
				slog.String("position_id", p.ID),
				slog.String("reason", string(action.Reason)),
				slog.String("detail", action.Detail),
			)
			ev, _ := e.ClosePosition(ctx, &p, value, action.Reason)
			exits = append(exits, ev)
		default:
			e.commit(p)
			if p.Trailing != before {
				e.saveTrailing(ctx, p)
			}
		}
	}
	return exits
}

// ExecuteScaleOut exits contracts of p at value. On an execution failure
// neither ContractsRemaining nor ScaledPnL changes. p is the caller's working
// copy and is committed back to the open set.
func (e *Engine) ExecuteScaleOut(ctx context.Context, p *domain.Position, contracts int, value float64, reason domain.ExitReason) (domain.ExitEvent, error) {
	ev := domain.ExitEvent{PositionID: p.ID, Reason: reason, Contracts: contracts, SpreadValue: value}

	if p.Status != domain.PositionStatusOpen {
		ev.Error = domain.ErrPositionNotOpen.Error()
		return ev, fmt.Errorf("position: scale out %s: %w", p.ID, domain.ErrPositionNotOpen)
	}
	if contracts <= 0 || contracts > p.ContractsRemaining {
		ev.Error = "contract count out of range"
		return ev, fmt.Errorf("position: scale out %s: %d contracts of %d remaining: %w",
			p.ID, contracts, p.ContractsRemaining, domain.ErrInvalidPosition)
	}

	fill, err := e.exec.CloseSpread(ctx, domain.CloseOrder{
		ClientOrderID: uuid.NewString(),
		Position:      *p,
		Contracts:     contracts,
		LimitValue:    value,
	})
	if err != nil {
		e.commit(*p)
		ev.Error = err.Error()
		e.executionFailed(ctx, *p, ev, err)
		return ev, fmt.Errorf("position: scale out %s: %w: %w", p.ID, domain.ErrExecution, err)
	}

	pnl := SpreadPnL(fill.FilledValue, p.EntryDebit, contracts)
	p.ContractsRemaining -= contracts
	p.ScaledPnL = AddPnL(p.ScaledPnL, pnl)
	switch reason {
	case domain.ExitScaleOut1:
		p.Trailing.ScaleOut1Done = true
	case domain.ExitScaleOut2:
		p.Trailing.ScaleOut2Done = true
	}
	ev.SpreadValue = fill.FilledValue
	ev.PnL = pnl

	e.commit(*p)
	e.book(pnl)

	e.logger.InfoContext(ctx, "position_engine: scaled out",
		slog.String("position_id", p.ID),
		slog.String("reason", string(reason)),
		slog.Int("contracts", contracts),
		slog.Int("remaining", p.ContractsRemaining),
		slog.Float64("fill_value", fill.FilledValue),
		slog.Float64("pnl", pnl),
		slog.Float64("scaled_pnl", p.ScaledPnL),
		slog.String("order_ref", fill.OrderRef),
	)

	snapshot := *p
	if err := e.persist(ctx, "save", p.ID, func(ctx context.Context) error {
		return e.store.Save(ctx, snapshot)
	}); err != nil {
		// The fill is real; keep it and retry the write from Sync.
		e.markDirty(p.ID)
		e.persistenceFailed(ctx, p.ID, "scale_out", err)
		ev.Error = err.Error()
		e.emit(ctx, domain.Event{Type: domain.EventPositionScaledOut, PositionID: p.ID, Position: &snapshot, Exit: &ev})
		return ev, err
	}

	e.emit(ctx, domain.Event{Type: domain.EventPositionScaledOut, PositionID: p.ID, Position: &snapshot, Exit: &ev})
	return ev, nil
}

// ClosePosition exits every remaining contract of p and moves it to CLOSED.
// The terminal status is written to the store before the in-memory copy
// changes; if the write fails p stays OPEN and the fill is kept so that the
// next cycle retries only the write.
func (e *Engine) ClosePosition(ctx context.Context, p *domain.Position, value float64, reason domain.ExitReason) (domain.ExitEvent, error) {
	contracts := p.ContractsRemaining
	ev := domain.ExitEvent{PositionID: p.ID, Reason: reason, Contracts: contracts, SpreadValue: value, Full: true}

	if p.Status != domain.PositionStatusOpen {
		ev.Error = domain.ErrPositionNotOpen.Error()
		return ev, fmt.Errorf("position: close %s: %w", p.ID, domain.ErrPositionNotOpen)
	}

	exitValue := value
	if contracts > 0 {
		fill, err := e.exec.CloseSpread(ctx, domain.CloseOrder{
			ClientOrderID: uuid.NewString(),
			Position:      *p,
			Contracts:     contracts,
			LimitValue:    value,
		})
		if err != nil {
			e.commit(*p)
			ev.Error = err.Error()
			e.executionFailed(ctx, *p, ev, err)
			return ev, fmt.Errorf("position: close %s: %w: %w", p.ID, domain.ErrExecution, err)
		}
		exitValue = fill.FilledValue
	}

	finalPnL := SpreadPnL(exitValue, p.EntryDebit, contracts)
	ev.SpreadValue = exitValue
	ev.PnL = finalPnL
	change := domain.StatusChange{
		Status:      domain.PositionStatusClosed,
		ClosePrice:  exitValue,
		Reason:      reason,
		RealizedPnL: AddPnL(p.ScaledPnL, finalPnL),
		ClosedAt:    e.now().UTC(),
	}

	if err := e.persist(ctx, "update_status", p.ID, func(ctx context.Context) error {
		return e.store.UpdateStatus(ctx, p.ID, change)
	}); err != nil {
		// p has not been mutated, so the in-memory copy is still OPEN.
		e.commit(*p)
		if contracts > 0 {
			e.mu.Lock()
			e.pending[p.ID] = pendingClose{change: change, exit: ev, finalPnL: finalPnL}
			e.mu.Unlock()
		}
		e.persistenceFailed(ctx, p.ID, "close", err)
		ev.Error = err.Error()
		return ev, err
	}

	applyChange(p, change)
	e.finish(ctx, *p, ev, finalPnL)
	return ev, nil
}

// retryPending retries the status write of a close whose order already
// filled. ok is false when id has no pending close.
func (e *Engine) retryPending(ctx context.Context, id string) (domain.ExitEvent, bool) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return domain.ExitEvent{}, false
	}

	ev := pc.exit
	if err := e.persist(ctx, "update_status", id, func(ctx context.Context) error {
		return e.store.UpdateStatus(ctx, id, pc.change)
	}); err != nil {
		e.persistenceFailed(ctx, id, "close_retry", err)
		ev.Error = err.Error()
		return ev, true
	}

	e.mu.Lock()
	p, tracked := e.open[id]
	var closed domain.Position
	if tracked {
		closed = *p
	}
	e.mu.Unlock()
	if !tracked {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return ev, true
	}

	applyChange(&closed, pc.change)
	e.logger.InfoContext(ctx, "position_engine: pending close persisted",
		slog.String("position_id", id),
		slog.String("reason", string(pc.change.Reason)),
	)
	e.finish(ctx, closed, ev, pc.finalPnL)
	return ev, true
}

// finish removes a terminal position from the open set and books its final
// P&L.
func (e *Engine) finish(ctx context.Context, closed domain.Position, ev domain.ExitEvent, finalPnL float64) {
	e.mu.Lock()
	delete(e.open, closed.ID)
	delete(e.dirty, closed.ID)
	delete(e.pending, closed.ID)
	delete(e.lastValue, closed.ID)
	e.mu.Unlock()
	e.book(finalPnL)

	e.logger.InfoContext(ctx, "position_engine: position closed",
		slog.String("position_id", closed.ID),
		slog.String("reason", string(closed.CloseReason)),
		slog.Int("contracts", ev.Contracts),
		slog.Float64("exit_value", ev.SpreadValue),
		slog.Float64("final_pnl", finalPnL),
		slog.Float64("realized_pnl", closed.RealizedPnL),
	)
	e.emit(ctx, domain.Event{Type: domain.EventPositionClosed, PositionID: closed.ID, Position: &closed, Exit: &ev})
}

func applyChange(p *domain.Position, change domain.StatusChange) {
	closedAt := change.ClosedAt
	price := change.ClosePrice
	p.Status = change.Status
	p.ClosedAt = &closedAt
	p.ClosePrice = &price
	p.CloseReason = change.Reason
	p.RealizedPnL = change.RealizedPnL
}

// Expiring returns the open positions expiring on or before asOf, excluding
// those with a close already filled.
func (e *Engine) Expiring(asOf time.Time) []domain.Position {
	asOf = domain.CivilDate(asOf)
	var out []domain.Position
	for _, p := range e.Snapshot() {
		if domain.CivilDate(p.Expiration).After(asOf) || e.HasPendingClose(p.ID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Settled drops a position the settlement processor has already persisted as
// EXPIRED and books its settlement P&L.
func (e *Engine) Settled(id string, settlementPnL float64) {
	e.mu.Lock()
	delete(e.open, id)
	delete(e.dirty, id)
	delete(e.lastValue, id)
	e.mu.Unlock()
	e.book(settlementPnL)
}

// HasPendingClose reports whether id has a filled close awaiting its write.
func (e *Engine) HasPendingClose(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Snapshot returns copies of the open positions ordered by open time.
func (e *Engine) Snapshot() []domain.Position {
	e.mu.Lock()
	out := make([]domain.Position, 0, len(e.open))
	for _, p := range e.open {
		out = append(out, *p)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Get returns a copy of an open position.
func (e *Engine) Get(id string) (domain.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.open[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Counts returns the number of open positions and their remaining contracts.
func (e *Engine) Counts() (positions, contracts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.open {
		positions++
		contracts += p.ContractsRemaining
	}
	return positions, contracts
}

// Today returns realized P&L and entries for the current session day.
func (e *Engine) Today() (realized float64, entries int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollLedgerLocked()
	return e.ledger.realized, e.ledger.entries
}

// quoteUnderlying is the live spot when there is one, otherwise the last
// spot seen for the symbol, otherwise the spot at entry.
func (e *Engine) quoteUnderlying(p domain.Position, live float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if live > 0 {
		e.lastSpot[p.Symbol] = live
		return live
	}
	if spot := e.lastSpot[p.Symbol]; spot > 0 {
		return spot
	}
	return p.Entry.UnderlyingPrice
}

// closeAtLastValue applies the end-of-day exit to a position that could not
// be quoted, at the last value the engine saw. Value-based rules need a
// fresh quote and do not run.
func (e *Engine) closeAtLastValue(ctx context.Context, p domain.Position) (domain.ExitEvent, bool) {
	last, ok := e.LastValue(p.ID)
	if !ok {
		return domain.ExitEvent{}, false
	}
	action, ok := endOfDay(e.cfg.Rules, p, Observation{Now: e.now(), SpreadValue: last})
	if !ok {
		return domain.ExitEvent{}, false
	}
	e.logger.WarnContext(ctx, "position_engine: quote unavailable, end-of-day exit at last value",
		slog.String("position_id", p.ID),
		slog.Float64("spread_value", last),
		slog.String("detail", action.Detail),
	)
	ev, _ := e.ClosePosition(ctx, &p, last, action.Reason)
	return ev, true
}

// LastValue returns the most recent spread value observed for id.
func (e *Engine) LastValue(id string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.lastValue[id]
	return v, ok
}

func (e *Engine) setLastValue(id string, v float64) {
	e.mu.Lock()
	e.lastValue[id] = v
	e.mu.Unlock()
}

// commit writes a working copy back into the open set. Terminal copies are
// never written back.
func (e *Engine) commit(p domain.Position) {
	if p.Status != domain.PositionStatusOpen {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.open[p.ID]; ok {
		*cur = p
	}
}

func (e *Engine) markDirty(id string) {
	e.mu.Lock()
	e.dirty[id] = true
	e.mu.Unlock()
}

func (e *Engine) book(pnl float64) {
	e.mu.Lock()
	e.rollLedgerLocked()
	e.ledger.realized = AddPnL(e.ledger.realized, pnl)
	e.mu.Unlock()
}

// rollLedgerLocked resets the daily ledger when the session date changes.
// The caller holds e.mu.
func (e *Engine) rollLedgerLocked() {
	today := e.SessionDate()
	if !e.ledger.day.Equal(today) {
		e.ledger = ledger{day: today}
	}
}

// saveTrailing writes observed trailing state. Nothing has executed, so a
// single attempt is made and a failure only marks the position dirty.
func (e *Engine) saveTrailing(ctx context.Context, p domain.Position) {
	if err := e.store.Save(ctx, p); err != nil {
		e.markDirty(p.ID)
		e.logger.WarnContext(ctx, "position_engine: trailing state not saved",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

// persist runs fn up to PersistRetries times with linear backoff.
func (e *Engine) persist(ctx context.Context, op, id string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.PersistRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		e.logger.WarnContext(ctx, "position_engine: store write failed",
			slog.String("op", op),
			slog.String("position_id", id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == e.cfg.PersistRetries || e.cfg.PersistBackoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("position: %s %s: %w: %w", op, id, domain.ErrPersistence, ctx.Err())
		case <-time.After(time.Duration(attempt) * e.cfg.PersistBackoff):
		}
	}
	return fmt.Errorf("position: %s %s: %w: %w", op, id, domain.ErrPersistence, err)
}

func (e *Engine) persistenceFailed(ctx context.Context, id, op string, err error) {
	e.logger.ErrorContext(ctx, "position_engine: persistence failure after fill",
		slog.String("position_id", id),
		slog.String("op", op),
		slog.Int("attempts", e.cfg.PersistRetries),
		slog.String("error", err.Error()),
	)
	e.emit(ctx, domain.Event{Type: domain.EventPersistenceFailure, PositionID: id, Error: op + ": " + err.Error()})
}

func (e *Engine) executionFailed(ctx context.Context, p domain.Position, ev domain.ExitEvent, err error) {
	e.logger.ErrorContext(ctx, "position_engine: exit order failed, will retry next cycle",
		slog.String("position_id", p.ID),
		slog.String("kind", string(p.Kind)),
		slog.Float64("long_strike", p.LongStrike),
		slog.Float64("short_strike", p.ShortStrike),
		slog.String("reason", string(ev.Reason)),
		slog.Int("contracts", ev.Contracts),
		slog.Int("remaining", p.ContractsRemaining),
		slog.Float64("spread_value", ev.SpreadValue),
		slog.String("error", err.Error()),
	)
	e.emit(ctx, domain.Event{Type: domain.EventExecutionFailure, PositionID: p.ID, Exit: &ev, Error: err.Error()})
}

func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	e.events.Emit(ctx, ev)
}
