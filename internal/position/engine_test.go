package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/executor"
	"github.com/alanyoungcy/spreadbot/internal/store/memory"
)

// fakeExec quotes a fixed value and fills closes at the limit.
type fakeExec struct {
	mu       sync.Mutex
	value    float64
	quoteErr error
	closeErr error
	closes   []domain.CloseOrder
}

func (f *fakeExec) QuoteSpread(context.Context, domain.QuoteRequest) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return 0, f.quoteErr
	}
	return f.value, nil
}

func (f *fakeExec) PlaceSpread(_ context.Context, o domain.SpreadOrder) (domain.EntryFill, error) {
	return domain.EntryFill{FilledDebit: o.LimitDebit, OrderRef: o.ClientOrderID}, nil
}

func (f *fakeExec) CloseSpread(_ context.Context, o domain.CloseOrder) (domain.CloseFill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return domain.CloseFill{}, f.closeErr
	}
	f.closes = append(f.closes, o)
	return domain.CloseFill{FilledValue: o.LimitValue, OrderRef: o.ClientOrderID}, nil
}

func (f *fakeExec) Live() bool { return false }

func (f *fakeExec) set(value float64) {
	f.mu.Lock()
	f.value = value
	f.mu.Unlock()
}

func (f *fakeExec) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

// flakyStore fails selected writes.
type flakyStore struct {
	*memory.PositionStore
	mu         sync.Mutex
	failSave   bool
	failUpdate bool
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) Save(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.PositionStore.Save(ctx, p)
}

func (s *flakyStore) UpdateStatus(ctx context.Context, id string, c domain.StatusChange) error {
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.PositionStore.UpdateStatus(ctx, id, c)
}

func (s *flakyStore) setFail(save, update bool) {
	s.mu.Lock()
	s.failSave, s.failUpdate = save, update
	s.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	engine *Engine
	store  *flakyStore
	exec   *fakeExec
	sink   *recordingSink
	now    time.Time
	loc    *time.Location
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loc := newYork(t)
	h := &harness{
		store: &flakyStore{PositionStore: memory.NewPositionStore()},
		exec:  &fakeExec{value: 1.0},
		sink:  &recordingSink{},
		now:   time.Date(2026, 3, 20, 11, 0, 0, 0, loc),
		loc:   loc,
	}
	h.engine = NewEngine(h.store, h.exec, nil, h.sink, Config{
		Rules:          testRules(loc),
		PersistRetries: 2,
		Now:            func() time.Time { return h.now },
	}, discardLogger())
	return h
}

func (h *harness) open(t *testing.T, debit float64, contracts int) domain.Position {
	t.Helper()
	p, err := h.engine.Open(context.Background(), OpenRequest{
		Signal: domain.TradeSignal{
			Kind:        domain.SpreadBullCallDebit,
			Symbol:      "SPY",
			LongStrike:  580,
			ShortStrike: 582,
			Expiration:  time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
			Source:      domain.SourceML,
		},
		Fill:      domain.EntryFill{FilledDebit: debit, OrderRef: "entry-1"},
		Contracts: contracts,
		Market:    domain.MarketContext{Symbol: "SPY", Spot: 581, CallWall: 590, PutWall: 575},
	})
	require.NoError(t, err)
	return p
}

func TestEngineOpen(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, 1.20, 10)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.Equal(t, 10, p.ContractsRemaining)
	assert.InDelta(t, 800, p.MaxProfit, 1e-9)
	assert.InDelta(t, 1200, p.MaxLoss, 1e-9)
	assert.InDelta(t, 581, p.Trailing.HighWater, 1e-9)
	assert.InDelta(t, 1.20, p.Trailing.PeakSpreadValue, 1e-9)

	stored, err := h.store.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)

	_, entries := h.engine.Today()
	assert.Equal(t, 1, entries)
	assert.Equal(t, []string{domain.EventPositionOpened}, h.sink.types())
}

func TestEngineOpen_RejectsNonPositiveDebit(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Open(context.Background(), OpenRequest{
		Signal: domain.TradeSignal{
			Kind: domain.SpreadBullCallDebit, Symbol: "SPY", LongStrike: 580, ShortStrike: 582,
		},
		Fill:      domain.EntryFill{FilledDebit: 0},
		Contracts: 10,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
	n, _ := h.engine.Counts()
	assert.Zero(t, n)
}

func TestEngineEvaluate_HardStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.open(t, 1.00, 10)

	h.exec.set(0.40)
	exits := h.engine.Evaluate(ctx, nil)

	require.Len(t, exits, 1)
	assert.Equal(t, domain.ExitHardStopLoss, exits[0].Reason)
	assert.Equal(t, 10, exits[0].Contracts)
	assert.True(t, exits[0].Full)
	assert.Equal(t, -600.0, exits[0].PnL)
	assert.Empty(t, exits[0].Error)

	n, _ := h.engine.Counts()
	assert.Zero(t, n)

	stored, err := h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.Equal(t, domain.ExitHardStopLoss, stored.CloseReason)
	assert.Equal(t, -600.0, stored.RealizedPnL)
	assert.Equal(t, 10, stored.ContractsRemaining)

	realized, _ := h.engine.Today()
	assert.Equal(t, -600.0, realized)
	assert.Contains(t, h.sink.types(), domain.EventPositionClosed)
}

func TestEngineEvaluate_ScaleOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.open(t, 1.00, 10)

	h.exec.set(1.50)
	exits := h.engine.Evaluate(ctx, nil)

	require.Len(t, exits, 1)
	assert.Equal(t, domain.ExitScaleOut1, exits[0].Reason)
	assert.Equal(t, 3, exits[0].Contracts)
	assert.False(t, exits[0].Full)
	assert.Equal(t, 150.0, exits[0].PnL)

	got, ok := h.engine.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 7, got.ContractsRemaining)
	assert.Equal(t, 150.0, got.ScaledPnL)
	assert.True(t, got.Trailing.ScaleOut1Done)
	assert.True(t, got.Trailing.ProfitThresholdHit)

	stored, err := h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.ContractsRemaining)
	assert.Equal(t, 150.0, stored.ScaledPnL)

	// Same value again: the first scale-out never repeats.
	exits = h.engine.Evaluate(ctx, nil)
	assert.Empty(t, exits)
	assert.Equal(t, 1, h.exec.closeCount())
}

func TestEngineEvaluate_ExecutionFailureLeavesPositionUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.open(t, 1.00, 10)

	h.exec.set(1.50)
	h.exec.closeErr = errors.New("venue rejected")
	exits := h.engine.Evaluate(ctx, nil)

	require.Len(t, exits, 1)
	assert.NotEmpty(t, exits[0].Error)

	got, ok := h.engine.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 10, got.ContractsRemaining)
	assert.Zero(t, got.ScaledPnL)
	assert.False(t, got.Trailing.ScaleOut1Done)
	assert.Contains(t, h.sink.types(), domain.EventExecutionFailure)

	// A failed hard stop also leaves the position open for the next cycle.
	h.exec.set(0.40)
	exits = h.engine.Evaluate(ctx, nil)
	require.Len(t, exits, 1)
	assert.NotEmpty(t, exits[0].Error)
	got, ok = h.engine.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.Equal(t, 10, got.ContractsRemaining)
}

func TestEngineEvaluate_QuoteFailureSkipsPosition(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, 1.00, 10)

	h.exec.quoteErr = errors.New("no quote")
	exits := h.engine.Evaluate(context.Background(), nil)

	assert.Empty(t, exits)
	_, ok := h.engine.Get(p.ID)
	assert.True(t, ok)
	assert.Zero(t, h.exec.closeCount())
}

func TestEngineClose_PersistenceFailureRetriesWriteOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.open(t, 1.00, 10)

	h.store.setFail(false, true)
	h.exec.set(0.40)
	exits := h.engine.Evaluate(ctx, nil)

	require.Len(t, exits, 1)
	assert.NotEmpty(t, exits[0].Error)
	assert.Equal(t, 1, h.exec.closeCount())
	assert.True(t, h.engine.HasPendingClose(p.ID))
	assert.Contains(t, h.sink.types(), domain.EventPersistenceFailure)

	got, ok := h.engine.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)

	stored, err := h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)

	// Pending closes do not settle twice.
	assert.Empty(t, h.engine.Expiring(h.engine.SessionDate()))

	h.store.setFail(false, false)
	exits = h.engine.Evaluate(ctx, nil)
	require.Len(t, exits, 1)
	assert.Empty(t, exits[0].Error)
	assert.Equal(t, -600.0, exits[0].PnL)
	assert.Equal(t, 1, h.exec.closeCount(), "close order must not be re-sent")
	assert.False(t, h.engine.HasPendingClose(p.ID))

	stored, err = h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.Equal(t, -600.0, stored.RealizedPnL)

	realized, _ := h.engine.Today()
	assert.Equal(t, -600.0, realized)
}

func TestEngineScaleOut_PersistenceFailureMarksDirty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.open(t, 1.00, 10)

	h.store.setFail(true, false)
	h.exec.set(1.50)
	exits := h.engine.Evaluate(ctx, nil)
	require.Len(t, exits, 1)
	assert.NotEmpty(t, exits[0].Error)
	assert.Equal(t, 1, h.engine.DirtyCount())

	got, ok := h.engine.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 7, got.ContractsRemaining)

	// Sync while the store still refuses writes keeps the fill in memory.
	_, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	got, ok = h.engine.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 7, got.ContractsRemaining)

	h.store.setFail(false, false)
	report, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, report.Flushed)
	assert.Zero(t, h.engine.DirtyCount())

	stored, err := h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.ContractsRemaining)
	assert.Equal(t, 150.0, stored.ScaledPnL)
}

func TestEngineOpen_UnsavedPositionSurvivesSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.setFail(true, false)
	p, err := h.engine.Open(ctx, OpenRequest{
		Signal: domain.TradeSignal{
			Kind: domain.SpreadBullCallDebit, Symbol: "SPY", LongStrike: 580, ShortStrike: 582,
			Expiration: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		},
		Fill:      domain.EntryFill{FilledDebit: 1.0},
		Contracts: 5,
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	require.NotEmpty(t, p.ID)

	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	_, ok := h.engine.Get(p.ID)
	assert.True(t, ok)
	assert.Zero(t, h.store.Len())
}

func TestEngineSync_AdoptsAndRemoves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := bullCall()
	p.ID = "stored-1"
	p.Expiration = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	p.OpenedAt = h.now.Add(-time.Hour).UTC()
	require.NoError(t, h.store.PositionStore.Save(ctx, p))

	report, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stored-1"}, report.Adopted)
	assert.Equal(t, 1, report.Open)

	first := h.engine.Snapshot()
	report, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Adopted)
	assert.Empty(t, report.Removed)
	assert.Equal(t, first, h.engine.Snapshot())

	require.NoError(t, h.store.PositionStore.UpdateStatus(ctx, "stored-1", domain.StatusChange{
		Status:   domain.PositionStatusClosed,
		Reason:   domain.ExitEndOfDay,
		ClosedAt: h.now.UTC(),
	}))
	report, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stored-1"}, report.Removed)
	assert.Empty(t, h.engine.Snapshot())
}

func TestEngineSync_SkipsExpiredBeforeToday(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := bullCall()
	p.ID = "old"
	p.Expiration = time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.PositionStore.Save(ctx, p))

	report, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Adopted)
}

func TestEngineSync_RebuildsDailyLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	closed := bullCall()
	closed.ID = "closed-today"
	closed.Expiration = today
	closed.OpenedAt = h.now.Add(-90 * time.Minute).UTC()
	require.NoError(t, h.store.PositionStore.Save(ctx, closed))
	require.NoError(t, h.store.PositionStore.UpdateStatus(ctx, closed.ID, domain.StatusChange{
		Status:      domain.PositionStatusClosed,
		Reason:      domain.ExitTrailingStop,
		RealizedPnL: 200,
		ClosedAt:    h.now.Add(-30 * time.Minute).UTC(),
	}))

	open := bullCall()
	open.ID = "open-today"
	open.Expiration = today
	open.OpenedAt = h.now.Add(-20 * time.Minute).UTC()
	open.ContractsRemaining = 7
	open.ScaledPnL = 50
	require.NoError(t, h.store.PositionStore.Save(ctx, open))

	report, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250.0, report.Realized)
	assert.Equal(t, 2, report.Entries)

	realized, entries := h.engine.Today()
	assert.Equal(t, 250.0, realized)
	assert.Equal(t, 2, entries)

	// The next day starts from zero.
	h.now = h.now.AddDate(0, 0, 1)
	realized, entries = h.engine.Today()
	assert.Zero(t, realized)
	assert.Zero(t, entries)
}

func TestEngineSync_LedgerSkipsEarlierSessionScaleOuts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	yesterday := h.now.AddDate(0, 0, -1).UTC()

	settled := bullCall()
	settled.ID = "opened-yesterday"
	settled.Expiration = today
	settled.OpenedAt = yesterday
	settled.ContractsRemaining = 7
	settled.ScaledPnL = 150
	require.NoError(t, h.store.PositionStore.Save(ctx, settled))
	require.NoError(t, h.store.PositionStore.UpdateStatus(ctx, settled.ID, domain.StatusChange{
		Status:      domain.PositionStatusExpired,
		Reason:      domain.ExitExpiredMaxGain,
		RealizedPnL: 850,
		ClosedAt:    h.now.Add(-time.Hour).UTC(),
	}))

	runner := bullCall()
	runner.ID = "runner-from-yesterday"
	runner.Expiration = today
	runner.OpenedAt = yesterday
	runner.ContractsRemaining = 7
	runner.ScaledPnL = 90
	require.NoError(t, h.store.PositionStore.Save(ctx, runner))

	report, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 700.0, report.Realized)
	assert.Zero(t, report.Entries)
}

func TestEngineEvaluate_FullyScaledOutClosesWithoutOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := bullCall()
	p.ID = "drained"
	p.Expiration = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	p.ContractsRemaining = 0
	p.ScaledPnL = 420
	require.NoError(t, h.store.PositionStore.Save(ctx, p))
	_, err := h.engine.Sync(ctx)
	require.NoError(t, err)

	h.exec.set(1.30)
	exits := h.engine.Evaluate(ctx, nil)
	require.Len(t, exits, 1)
	assert.Equal(t, domain.ExitFullyScaledOut, exits[0].Reason)
	assert.Zero(t, h.exec.closeCount())

	stored, err := h.store.GetByID(ctx, "drained")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.Equal(t, 420.0, stored.RealizedPnL)
}

func TestEngineEvaluate_EndOfDay(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, 1.00, 10)

	h.now = time.Date(2026, 3, 20, 15, 51, 0, 0, h.loc)
	h.exec.set(1.10)
	exits := h.engine.Evaluate(context.Background(), &domain.MarketContext{Symbol: "SPY", Spot: 581.5})

	require.Len(t, exits, 1)
	assert.Equal(t, domain.ExitEndOfDay, exits[0].Reason)
	assert.InDelta(t, 100, exits[0].PnL, 1e-9)
	_, ok := h.engine.Get(p.ID)
	assert.False(t, ok)
}

func TestEngineEvaluate_SimulatorWithoutContextAfterCutoff(t *testing.T) {
	h := newHarness(t)
	sim := executor.NewSimulator(executor.SimulatorConfig{
		Location: h.loc,
		Open:     9*time.Hour + 30*time.Minute,
		Close:    16 * time.Hour,
		Now:      func() time.Time { return h.now },
	}, discardLogger())
	h.engine = NewEngine(h.store, sim, nil, h.sink, Config{
		Rules:          testRules(h.loc),
		PersistRetries: 2,
		Now:            func() time.Time { return h.now },
	}, discardLogger())
	p := h.open(t, 1.00, 10)

	h.now = time.Date(2026, 3, 20, 15, 55, 0, 0, h.loc)
	exits := h.engine.Evaluate(context.Background(), nil)

	require.Len(t, exits, 1)
	assert.Equal(t, domain.ExitEndOfDay, exits[0].Reason)
	assert.Empty(t, exits[0].Error)
	stored, err := h.store.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	_, ok := h.engine.Get(p.ID)
	assert.False(t, ok)
}

func TestEngineEvaluate_UnquotedPositionExitsAtEndOfDay(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, 1.00, 10)
	h.exec.set(1.20)
	h.engine.Evaluate(context.Background(), &domain.MarketContext{Symbol: "SPY", Spot: 581.5})

	h.exec.quoteErr = errors.New("no quote")
	h.now = time.Date(2026, 3, 20, 15, 40, 0, 0, h.loc)
	assert.Empty(t, h.engine.Evaluate(context.Background(), nil))

	h.now = time.Date(2026, 3, 20, 15, 55, 0, 0, h.loc)
	exits := h.engine.Evaluate(context.Background(), nil)

	require.Len(t, exits, 1)
	assert.Equal(t, domain.ExitEndOfDay, exits[0].Reason)
	assert.InDelta(t, 1.20, exits[0].SpreadValue, 1e-9)
	assert.Equal(t, 1, h.exec.closeCount())
	_, ok := h.engine.Get(p.ID)
	assert.False(t, ok)
}

func TestEngineTerminalPositionIsNeverTouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.open(t, 1.00, 10)
	h.exec.set(0.40)
	h.engine.Evaluate(ctx, nil)

	closed, err := h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.engine.ExecuteScaleOut(ctx, &closed, 1, 0.4, domain.ExitScaleOut1)
	assert.ErrorIs(t, err, domain.ErrPositionNotOpen)
	_, err = h.engine.ClosePosition(ctx, &closed, 0.4, domain.ExitEndOfDay)
	assert.ErrorIs(t, err, domain.ErrPositionNotOpen)
	assert.Equal(t, 1, h.exec.closeCount())
}

func TestEngineSettled(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, 1.00, 7)

	expiring := h.engine.Expiring(h.engine.SessionDate())
	require.Len(t, expiring, 1)

	h.engine.Settled(p.ID, 700)
	n, _ := h.engine.Counts()
	assert.Zero(t, n)
	realized, _ := h.engine.Today()
	assert.Equal(t, 700.0, realized)
}
