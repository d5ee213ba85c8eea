package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// SyncReport summarises a reconciliation pass.
type SyncReport struct {
	Adopted  []string
	Removed  []string
	Flushed  []string
	Open     int
	Realized float64
	Entries  int
}

// Sync reconciles the open set with the store. Positions with unsaved
// changes are written first and are never dropped from memory; positions the
// store no longer lists as OPEN are removed; store positions missing from
// memory are adopted. Running Sync twice yields the same set.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	report.Flushed = e.flushDirty(ctx)
	for _, id := range e.pendingIDs() {
		if _, ok := e.retryPending(ctx, id); ok && !e.HasPendingClose(id) {
			report.Flushed = append(report.Flushed, id)
		}
	}

	today := e.SessionDate()
	stored, err := e.store.ListOpen(ctx, today)
	if err != nil {
		return report, fmt.Errorf("position: sync: list open: %w", err)
	}

	e.mu.Lock()
	e.rollLedgerLocked()
	needLedger := !e.ledger.loaded
	e.mu.Unlock()

	var closedToday []domain.Position
	if needLedger {
		closedToday, err = e.store.ListClosedSince(ctx, e.startOfSession())
		if err != nil {
			e.logger.WarnContext(ctx, "position_engine: daily ledger not rebuilt",
				slog.String("error", err.Error()),
			)
			needLedger = false
		}
	}

	e.mu.Lock()
	inStore := make(map[string]domain.Position, len(stored))
	for _, p := range stored {
		inStore[p.ID] = p
	}
	for id := range e.open {
		if _, ok := inStore[id]; ok || e.dirty[id] {
			continue
		}
		delete(e.open, id)
		delete(e.pending, id)
		delete(e.lastValue, id)
		report.Removed = append(report.Removed, id)
	}
	for id, p := range inStore {
		if _, ok := e.open[id]; ok {
			continue
		}
		adopted := p
		e.open[id] = &adopted
		report.Adopted = append(report.Adopted, id)
	}

	if needLedger {
		e.ledger = rebuildLedger(e.ledger.day, closedToday, e.open, func(p domain.Position) bool {
			return domain.CivilDate(p.OpenedAt.In(e.cfg.Rules.Location)).Equal(e.ledger.day)
		})
	}
	report.Open = len(e.open)
	report.Realized = e.ledger.realized
	report.Entries = e.ledger.entries
	e.mu.Unlock()

	sort.Strings(report.Adopted)
	sort.Strings(report.Removed)

	if len(report.Adopted) > 0 || len(report.Removed) > 0 {
		e.logger.InfoContext(ctx, "position_engine: reconciled with store",
			slog.Int("adopted", len(report.Adopted)),
			slog.Int("removed", len(report.Removed)),
			slog.Int("open", report.Open),
		)
	}
	return report, nil
}

// rebuildLedger recomputes the day's realized P&L and entry count from
// closed and still-open positions. A position opened on an earlier session
// contributes only its final exit or settlement P&L, the same amount the
// in-memory ledger books when it closes; scale-outs it took today before a
// restart are not recoverable from the record and are left out.
func rebuildLedger(day time.Time, closed []domain.Position, open map[string]*domain.Position, openedToday func(domain.Position) bool) ledger {
	l := ledger{day: day, loaded: true}
	var amounts []float64
	seen := make(map[string]bool)
	for _, p := range closed {
		seen[p.ID] = true
		if openedToday(p) {
			l.entries++
			amounts = append(amounts, p.RealizedPnL)
			continue
		}
		amounts = append(amounts, p.RealizedPnL, -p.ScaledPnL)
	}
	for _, p := range open {
		if seen[p.ID] || !openedToday(*p) {
			continue
		}
		l.entries++
		amounts = append(amounts, p.ScaledPnL)
	}
	l.realized = AddPnL(amounts...)
	return l
}

// flushDirty retries saves of positions whose last write failed.
func (e *Engine) flushDirty(ctx context.Context) []string {
	e.mu.Lock()
	var work []domain.Position
	for id := range e.dirty {
		if p, ok := e.open[id]; ok {
			work = append(work, *p)
			continue
		}
		delete(e.dirty, id)
	}
	e.mu.Unlock()

	var flushed []string
	for _, p := range work {
		if err := e.store.Save(ctx, p); err != nil {
			e.logger.WarnContext(ctx, "position_engine: dirty position still not saved",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.mu.Lock()
		delete(e.dirty, p.ID)
		e.mu.Unlock()
		flushed = append(flushed, p.ID)
	}
	sort.Strings(flushed)
	return flushed
}

func (e *Engine) pendingIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DirtyCount is the number of positions with unsaved changes.
func (e *Engine) DirtyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty)
}
