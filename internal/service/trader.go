package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/executor"
	"github.com/alanyoungcy/spreadbot/internal/metrics"
	"github.com/alanyoungcy/spreadbot/internal/position"
	"github.com/alanyoungcy/spreadbot/internal/strategy"
)

// Lock keys used with the distributed lock manager.
const (
	cycleLockKey      = "cycle"
	settlementLockKey = "settlement"
)

// ContextResolver resolves the market context for a symbol.
type ContextResolver interface {
	Resolve(ctx context.Context, symbol string) (domain.MarketContext, error)
}

// Settler runs a settlement pass for a session date.
type Settler interface {
	Run(ctx context.Context, asOf time.Time) (domain.SettlementResult, error)
}

// TraderConfig holds the session calendar and entry guards.
type TraderConfig struct {
	Symbol   string
	Location *time.Location

	// SessionOpen and EntryCutoff are offsets from local midnight.
	SessionOpen time.Duration
	EntryCutoff time.Duration

	MaxOpenPositions int
	MaxEntriesPerDay int

	// DedupTTL is the window in which the same instrument is not entered
	// twice. Usually one cycle interval.
	DedupTTL time.Duration

	// LockTTL bounds the distributed cycle lock.
	LockTTL time.Duration

	Now func() time.Time
}

// TraderDeps are the collaborators of a Trader. ML, Advisor, Settler, Lock,
// Events and Metrics may be nil.
type TraderDeps struct {
	Engine   *position.Engine
	Resolver ContextResolver
	ML       domain.MLSignalProvider
	Advisor  domain.AdvisorSignalProvider
	Arbiter  *strategy.Arbiter
	Builder  *strategy.Builder
	Risk     *RiskService
	Exec     domain.Execution
	Settler  Settler
	Lock     domain.LockManager
	Events   domain.EventSink
	Metrics  *metrics.Metrics
}

type lastCycle struct {
	at      time.Time
	outcome domain.CycleOutcome
	err     string
}

// Trader runs decision cycles: sync, resolve the market, try one entry,
// evaluate exits and settle anything left over from earlier sessions. At
// most one cycle or settlement runs at a time in this process; with a lock
// manager, across processes too.
type Trader struct {
	cfg      TraderConfig
	engine   *position.Engine
	resolver ContextResolver
	ml       domain.MLSignalProvider
	advisor  domain.AdvisorSignalProvider
	arbiter  *strategy.Arbiter
	builder  *strategy.Builder
	risk     *RiskService
	exec     domain.Execution
	settler  Settler
	lock     domain.LockManager
	events   domain.EventSink
	metrics  *metrics.Metrics
	dedup    *executor.Dedup
	guard    *semaphore.Weighted
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last lastCycle
}

// NewTrader creates a Trader.
func NewTrader(cfg TraderConfig, deps TraderDeps, logger *slog.Logger) *Trader {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	events := deps.Events
	if events == nil {
		events = domain.DiscardEvents{}
	}
	dedup := executor.NewDedup(cfg.DedupTTL)
	dedup.SetClock(now)

	return &Trader{
		cfg:      cfg,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		ml:       deps.ML,
		advisor:  deps.Advisor,
		arbiter:  deps.Arbiter,
		builder:  deps.Builder,
		risk:     deps.Risk,
		exec:     deps.Exec,
		settler:  deps.Settler,
		lock:     deps.Lock,
		events:   events,
		metrics:  deps.Metrics,
		dedup:    dedup,
		guard:    semaphore.NewWeighted(1),
		now:      now,
		logger:   logger.With(slog.String("component", "trader")),
	}
}

// RunCycle runs one decision cycle. It returns domain.ErrCycleInProgress
// without doing anything when another cycle or settlement is running, and
// domain.ErrLockHeld when another process holds the cycle lock. Any other
// failure, including a panic, is recorded on the result with outcome
// failed; the error is then nil so the scheduler keeps going.
func (t *Trader) RunCycle(ctx context.Context) (domain.CycleResult, error) {
	if !t.guard.TryAcquire(1) {
		t.logger.InfoContext(ctx, "trader: cycle already in progress, skipping")
		return t.skipped(), fmt.Errorf("trader: run cycle: %w", domain.ErrCycleInProgress)
	}
	defer t.guard.Release(1)

	if t.lock != nil {
		unlock, err := t.lock.Acquire(ctx, cycleLockKey, t.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				t.logger.InfoContext(ctx, "trader: cycle lock held elsewhere, skipping")
				return t.skipped(), fmt.Errorf("trader: run cycle: %w", err)
			}
			res := t.failed(fmt.Errorf("acquire cycle lock: %w", err))
			t.finish(ctx, &res)
			return res, nil
		}
		defer unlock()
	}

	res := t.safeCycle(ctx)
	t.finish(ctx, &res)
	return res, nil
}

// RunCycleNow is the manual trigger. It shares the single-flight guard with
// the scheduler.
func (t *Trader) RunCycleNow(ctx context.Context) (domain.CycleResult, error) {
	return t.RunCycle(ctx)
}

func (t *Trader) skipped() domain.CycleResult {
	now := t.now().UTC()
	return domain.CycleResult{
		ID:         uuid.NewString(),
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    domain.CycleSkipped,
		Entry:      domain.EntryNotEvaluated,
	}
}

func (t *Trader) failed(err error) domain.CycleResult {
	res := t.skipped()
	res.Outcome = domain.CycleFailed
	res.Error = err.Error()
	return res
}

// safeCycle turns a panic inside the cycle into a failed result.
func (t *Trader) safeCycle(ctx context.Context) (res domain.CycleResult) {
	res = domain.CycleResult{
		ID:        uuid.NewString(),
		StartedAt: t.now().UTC(),
		Entry:     domain.EntryNotEvaluated,
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(ctx, "trader: cycle panicked",
				slog.String("cycle_id", res.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res.Outcome = domain.CycleFailed
			res.Error = fmt.Sprintf("unhandled: %v", r)
		}
	}()
	t.cycle(ctx, &res)
	return res
}

func (t *Trader) finish(ctx context.Context, res *domain.CycleResult) {
	res.FinishedAt = t.now().UTC()
	res.OpenPositions, _ = t.engine.Counts()

	t.mu.Lock()
	t.last = lastCycle{at: res.FinishedAt, outcome: res.Outcome, err: res.Error}
	t.mu.Unlock()

	realized, _ := t.engine.Today()
	t.metrics.SetBook(res.OpenPositions, realized)

	level := slog.LevelInfo
	if res.Outcome == domain.CycleFailed {
		level = slog.LevelError
	}
	t.logger.Log(ctx, level, "trader: cycle finished",
		slog.String("cycle_id", res.ID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("entry", string(res.Entry)),
		slog.String("entry_reason", res.EntryReason),
		slog.Int("exits", len(res.Exits)),
		slog.Int("open_positions", res.OpenPositions),
		slog.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
		slog.String("error", res.Error),
	)

	snapshot := *res
	t.events.Emit(ctx, domain.Event{Type: domain.EventCycleFinished, Time: res.FinishedAt, Cycle: &snapshot})
}

func (t *Trader) cycle(ctx context.Context, res *domain.CycleResult) {
	if _, err := t.engine.Sync(ctx); err != nil {
		t.logger.WarnContext(ctx, "trader: sync failed, continuing with cached positions",
			slog.String("error", err.Error()),
		)
	}

	var mcp *domain.MarketContext
	mc, err := t.resolver.Resolve(ctx, t.cfg.Symbol)
	if err != nil {
		t.logger.WarnContext(ctx, "trader: market context unavailable",
			slog.String("symbol", t.cfg.Symbol),
			slog.String("error", err.Error()),
		)
		res.Entry = domain.EntryBlocked
		res.EntryReason = "market context unavailable: " + err.Error()
	} else {
		mcp = &mc
		res.ContextSource = mc.Source
		t.tryEntry(ctx, mc, res)
	}

	if ctx.Err() != nil {
		res.Outcome = domain.CycleFailed
		res.Error = ctx.Err().Error()
		return
	}

	res.Exits = t.engine.Evaluate(ctx, mcp)

	// Positions from earlier sessions that missed their settlement run.
	if t.settler != nil {
		prior := t.engine.SessionDate().AddDate(0, 0, -1)
		sr, err := t.settle(ctx, prior)
		if err != nil {
			t.logger.WarnContext(ctx, "trader: settlement of prior sessions failed",
				slog.Time("as_of", prior),
				slog.String("error", err.Error()),
			)
		}
		if len(sr.Settled) > 0 || len(sr.Failed) > 0 {
			res.Settlement = &sr
		}
	}

	res.Outcome = domain.CycleCompleted
}

// tryEntry runs the entry half of a cycle and records what happened on res.
func (t *Trader) tryEntry(ctx context.Context, mc domain.MarketContext, res *domain.CycleResult) {
	t.dedup.Cleanup()
	if reason, blocked := t.entryBlocked(); blocked {
		res.Entry = domain.EntryBlocked
		res.EntryReason = reason
		t.logger.InfoContext(ctx, "trader: entry blocked", slog.String("reason", reason))
		return
	}

	ml, advisor := t.fetchSignals(ctx, mc)
	decision := t.arbiter.Decide(ctx, ml, advisor, mc)
	if !decision.Actionable() {
		res.Entry = domain.EntryNoSignal
		res.EntryReason = decision.Reason
		t.logger.InfoContext(ctx, "trader: no actionable signal", slog.String("reason", decision.Reason))
		return
	}

	sig, err := t.builder.Build(ctx, decision, mc, t.engine.SessionDate())
	if err != nil {
		res.Entry = domain.EntryBlocked
		res.EntryReason = "candidate: " + err.Error()
		t.logger.WarnContext(ctx, "trader: candidate rejected", slog.String("error", err.Error()))
		return
	}

	if t.dedup.Seen(sig.Key()) {
		res.Entry = domain.EntryBlocked
		res.EntryReason = "duplicate entry " + sig.Key()
		t.logger.InfoContext(ctx, "trader: duplicate entry suppressed", slog.String("key", sig.Key()))
		return
	}

	rr, ok, err := t.risk.Gate(ctx, sig.Kind, mc)
	if err != nil {
		res.Entry = domain.EntryBlocked
		res.EntryReason = "risk/reward: " + err.Error()
		t.logger.WarnContext(ctx, "trader: risk/reward unavailable", slog.String("error", err.Error()))
		return
	}
	res.RiskReward = &rr
	if !ok {
		res.Entry = domain.EntryRejectedRR
		res.EntryReason = fmt.Sprintf("ratio %.2f below %.2f: %s", rr.Ratio, t.risk.MinRatio(), rr.Explanation)
		return
	}

	contracts := t.risk.Size(ctx, sig.MaxLossPerContract)
	order := domain.SpreadOrder{
		ClientOrderID: uuid.NewString(),
		Kind:          sig.Kind,
		Symbol:        sig.Symbol,
		LongStrike:    sig.LongStrike,
		ShortStrike:   sig.ShortStrike,
		Expiration:    sig.Expiration,
		Contracts:     contracts,
		LimitDebit:    sig.EstimatedDebit,
	}
	fill, err := t.exec.PlaceSpread(ctx, order)
	if err != nil {
		res.Entry = domain.EntryFailed
		res.EntryReason = err.Error()
		t.logger.ErrorContext(ctx, "trader: entry order failed",
			slog.String("client_order_id", order.ClientOrderID),
			slog.String("key", sig.Key()),
			slog.Int("contracts", contracts),
			slog.Float64("limit_debit", order.LimitDebit),
			slog.String("error", err.Error()),
		)
		t.events.Emit(ctx, domain.Event{Type: domain.EventExecutionFailure, Error: "entry " + sig.Key() + ": " + err.Error()})
		return
	}
	t.dedup.Record(sig.Key())

	pos, err := t.engine.Open(ctx, position.OpenRequest{
		Signal:     sig,
		Fill:       fill,
		Contracts:  contracts,
		Market:     mc,
		RiskReward: rr,
	})
	if pos.ID == "" {
		res.Entry = domain.EntryFailed
		res.EntryReason = "record fill: " + err.Error()
		return
	}
	if err != nil {
		// Tracked in memory; Sync retries the write.
		t.logger.WarnContext(ctx, "trader: position opened but not yet persisted",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	res.Entry = domain.EntryExecuted
	res.EntryReason = fmt.Sprintf("%s via %s", sig.Kind, sig.Source)
	res.OpenedID = pos.ID

	if sig.Override != nil {
		t.events.Emit(ctx, domain.Event{Type: domain.EventArbiterOverride, PositionID: pos.ID, Override: sig.Override})
	}
}

func (t *Trader) entryBlocked() (string, bool) {
	local := t.now().In(t.cfg.Location)
	y, m, d := local.Date()
	offset := local.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.cfg.Location))

	switch {
	case offset < t.cfg.SessionOpen:
		return "before session open", true
	case offset >= t.cfg.EntryCutoff:
		return "entry cutoff reached", true
	}

	open, _ := t.engine.Counts()
	if t.cfg.MaxOpenPositions > 0 && open >= t.cfg.MaxOpenPositions {
		return fmt.Sprintf("max open positions reached (%d)", open), true
	}
	_, entries := t.engine.Today()
	if t.cfg.MaxEntriesPerDay > 0 && entries >= t.cfg.MaxEntriesPerDay {
		return fmt.Sprintf("max entries per day reached (%d)", entries), true
	}
	return "", false
}

// fetchSignals queries both providers concurrently. A provider that fails
// or is not configured yields nil.
func (t *Trader) fetchSignals(ctx context.Context, mc domain.MarketContext) (*domain.MLSignal, *domain.AdvisorSignal) {
	var (
		ml      *domain.MLSignal
		advisor *domain.AdvisorSignal
		g       errgroup.Group
	)
	if t.ml != nil {
		g.Go(func() error {
			s, err := t.ml.MLSignal(ctx, mc)
			if err != nil {
				t.logger.WarnContext(ctx, "trader: ml signal unavailable", slog.String("error", err.Error()))
				return nil
			}
			ml = &s
			return nil
		})
	}
	if t.advisor != nil {
		g.Go(func() error {
			s, err := t.advisor.AdvisorSignal(ctx, mc)
			if err != nil {
				t.logger.WarnContext(ctx, "trader: advisor signal unavailable", slog.String("error", err.Error()))
				return nil
			}
			advisor = &s
			return nil
		})
	}
	_ = g.Wait()
	return ml, advisor
}

// RunSettlement settles positions expiring on or before date. It waits for
// a running cycle to finish instead of skipping.
func (t *Trader) RunSettlement(ctx context.Context, date time.Time) (domain.SettlementResult, error) {
	if t.settler == nil {
		return domain.SettlementResult{}, fmt.Errorf("trader: run settlement: %w", domain.ErrDataUnavailable)
	}
	if err := t.guard.Acquire(ctx, 1); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("trader: run settlement: %w", err)
	}
	defer t.guard.Release(1)

	if t.lock != nil {
		unlock, err := t.lock.Acquire(ctx, settlementLockKey, t.cfg.LockTTL)
		if err != nil {
			return domain.SettlementResult{}, fmt.Errorf("trader: run settlement: %w", err)
		}
		defer unlock()
	}

	if _, err := t.engine.Sync(ctx); err != nil {
		t.logger.WarnContext(ctx, "trader: sync before settlement failed", slog.String("error", err.Error()))
	}
	res, err := t.settle(ctx, date)
	realized, _ := t.engine.Today()
	open, _ := t.engine.Counts()
	t.metrics.SetBook(open, realized)
	return res, err
}

// settle runs the settler. The caller holds the guard.
func (t *Trader) settle(ctx context.Context, date time.Time) (domain.SettlementResult, error) {
	res, err := t.settler.Run(ctx, date)
	if err != nil {
		return res, fmt.Errorf("trader: settle %s: %w", date.Format(time.DateOnly), err)
	}
	if len(res.Settled) > 0 || len(res.Failed) > 0 {
		snapshot := res
		t.events.Emit(ctx, domain.Event{
			Type:  domain.EventSettlementFinished,
			Run:   &snapshot,
			Error: settlementError(snapshot),
		})
	}
	return res, nil
}

func settlementError(res domain.SettlementResult) string {
	if len(res.Failed) == 0 {
		return ""
	}
	return fmt.Sprintf("%d position(s) failed to settle", len(res.Failed))
}

// GetStatus reports the engine summary. When no cycle is running the open
// set is synced with the store first.
func (t *Trader) GetStatus(ctx context.Context) domain.Status {
	if t.guard.TryAcquire(1) {
		if _, err := t.engine.Sync(ctx); err != nil {
			t.logger.WarnContext(ctx, "trader: sync for status failed", slog.String("error", err.Error()))
		}
		t.guard.Release(1)
	}

	open, contracts := t.engine.Counts()
	realized, entries := t.engine.Today()
	st := domain.Status{
		Live:             t.exec.Live(),
		OpenCount:        open,
		ContractsOpen:    contracts,
		DailyRealizedPnL: realized,
		EntriesToday:     entries,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.at.IsZero() {
		at := t.last.at
		st.LastCycleTime = &at
		st.LastCycleOutcome = t.last.outcome
		st.LastCycleError = t.last.err
	}
	return st
}

// GetLivePnL marks every open position to market. A position whose quote
// fails is valued at the last value the engine saw and flagged stale.
func (t *Trader) GetLivePnL(ctx context.Context) domain.LivePnL {
	var underlying float64
	if mc, err := t.resolver.Resolve(ctx, t.cfg.Symbol); err == nil {
		underlying = mc.Spot
	}

	realized, _ := t.engine.Today()
	out := domain.LivePnL{AsOf: t.now().UTC(), TotalRealizedPnLToday: realized}
	for _, p := range t.engine.Snapshot() {
		pp := domain.PositionPnL{
			PositionID:         p.ID,
			Kind:               p.Kind,
			Symbol:             p.Symbol,
			LongStrike:         p.LongStrike,
			ShortStrike:        p.ShortStrike,
			ContractsRemaining: p.ContractsRemaining,
			EntryDebit:         p.EntryDebit,
			ScaledPnL:          p.ScaledPnL,
		}
		value, err := t.exec.QuoteSpread(ctx, domain.QuoteFor(p, underlying))
		if err != nil {
			last, ok := t.engine.LastValue(p.ID)
			if !ok {
				last = p.EntryDebit
			}
			value = last
			pp.Stale = true
		}
		pp.SpreadValue = value
		pp.UnrealizedPnL = position.SpreadPnL(value, p.EntryDebit, p.ContractsRemaining)
		out.TotalUnrealizedPnL = position.AddPnL(out.TotalUnrealizedPnL, pp.UnrealizedPnL)
		out.Positions = append(out.Positions, pp)
	}
	return out
}

// Positions returns the tracked open positions.
func (t *Trader) Positions() []domain.Position {
	return t.engine.Snapshot()
}
