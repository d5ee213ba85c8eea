// Package settlement values expired debit spreads at the session close and
// moves them to EXPIRED.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/position"
)

// Tracker is the part of the lifecycle engine the processor needs.
type Tracker interface {
	Expiring(asOf time.Time) []domain.Position
	HasPendingClose(id string) bool
	Settled(id string, settlementPnL float64)
}

// Config parameterises a Processor.
type Config struct {
	Retries int
	Backoff time.Duration

	// ReportPrefix is the blob key prefix for settlement reports.
	ReportPrefix string

	Now func() time.Time
}

// Processor settles OPEN positions whose expiration has passed.
type Processor struct {
	store   domain.PositionStore
	tracker Tracker
	prices  domain.SettlementPriceSource
	reports domain.BlobWriter
	events  domain.EventSink
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Processor. tracker, reports and events may be nil.
func New(
	store domain.PositionStore,
	tracker Tracker,
	prices domain.SettlementPriceSource,
	reports domain.BlobWriter,
	events domain.EventSink,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if events == nil {
		events = domain.DiscardEvents{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:   store,
		tracker: tracker,
		prices:  prices,
		reports: reports,
		events:  events,
		cfg:     cfg,
		now:     now,
		logger:  logger.With(slog.String("component", "settlement")),
	}
}

// Value classifies p at the settlement reference price and returns the
// per-unit value of the spread at expiry.
func Value(p domain.Position, price float64) (domain.SettlementOutcome, float64) {
	if p.Kind.Bullish() {
		switch {
		case price >= p.ShortStrike:
			return domain.SettlementMaxProfit, p.Width()
		case price <= p.LongStrike:
			return domain.SettlementMaxLoss, 0
		default:
			return domain.SettlementPartial, math.Max(0, price-p.LongStrike)
		}
	}
	switch {
	case price <= p.ShortStrike:
		return domain.SettlementMaxProfit, p.Width()
	case price >= p.LongStrike:
		return domain.SettlementMaxLoss, 0
	default:
		return domain.SettlementPartial, math.Max(0, p.LongStrike-price)
	}
}

// Settle computes the settlement of p at price. It does not touch any store.
// Realized P&L adds the settlement P&L to what scale-outs already booked.
func Settle(p domain.Position, price float64, at time.Time) (domain.SettlementRecord, domain.StatusChange) {
	outcome, value := Value(p, price)
	pnl := position.SpreadPnL(value, p.EntryDebit, p.ContractsRemaining)
	rec := domain.SettlementRecord{
		PositionID:     p.ID,
		Kind:           p.Kind,
		Symbol:         p.Symbol,
		LongStrike:     p.LongStrike,
		ShortStrike:    p.ShortStrike,
		Expiration:     p.Expiration,
		Contracts:      p.ContractsRemaining,
		EntryDebit:     p.EntryDebit,
		ReferencePrice: price,
		SpreadValue:    value,
		Outcome:        outcome,
		PnL:            pnl,
		RealizedPnL:    position.AddPnL(p.ScaledPnL, pnl),
	}
	change := domain.StatusChange{
		Status:      domain.PositionStatusExpired,
		ClosePrice:  value,
		Reason:      outcome.ExitReason(),
		RealizedPnL: rec.RealizedPnL,
		ClosedAt:    at.UTC(),
	}
	return rec, change
}

// Run settles every OPEN position expiring on or before asOf. Positions are
// gathered from both the tracker and the store so anything missed while the
// process was down is still settled. A position that fails is reported and
// left OPEN for the next run.
func (pr *Processor) Run(ctx context.Context, asOf time.Time) (domain.SettlementResult, error) {
	asOf = domain.CivilDate(asOf)
	result := domain.SettlementResult{RunID: uuid.NewString(), AsOf: asOf}

	candidates, err := pr.candidates(ctx, asOf)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		pr.logger.InfoContext(ctx, "settlement: nothing to settle", slog.Time("as_of", asOf))
		return result, nil
	}

	type priceKey struct {
		symbol string
		day    time.Time
	}
	prices := make(map[priceKey]float64)
	var amounts []float64

	for _, p := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		key := priceKey{p.Symbol, domain.CivilDate(p.Expiration)}
		price, ok := prices[key]
		if !ok {
			price, err = pr.prices.ClosingPrice(ctx, p.Symbol, key.day)
			if err != nil {
				pr.fail(ctx, &result, p.ID, fmt.Errorf("closing price %s %s: %w", p.Symbol, key.day.Format("2006-01-02"), err))
				continue
			}
			prices[key] = price
		}

		rec, change := Settle(p, price, pr.now())
		if err := pr.persist(ctx, p.ID, change); err != nil {
			pr.fail(ctx, &result, p.ID, err)
			pr.events.Emit(ctx, domain.Event{
				Type:       domain.EventPersistenceFailure,
				Time:       pr.now().UTC(),
				PositionID: p.ID,
				Error:      "settle: " + err.Error(),
			})
			continue
		}

		if pr.tracker != nil {
			pr.tracker.Settled(p.ID, rec.PnL)
		}
		result.Settled = append(result.Settled, rec)
		amounts = append(amounts, rec.PnL)

		settled := p
		settled.Status = change.Status
		settled.CloseReason = change.Reason
		settled.RealizedPnL = change.RealizedPnL
		closedAt, closePrice := change.ClosedAt, change.ClosePrice
		settled.ClosedAt, settled.ClosePrice = &closedAt, &closePrice

		pr.logger.InfoContext(ctx, "settlement: position expired",
			slog.String("position_id", p.ID),
			slog.String("outcome", string(rec.Outcome)),
			slog.Float64("reference_price", price),
			slog.Float64("spread_value", rec.SpreadValue),
			slog.Int("contracts", rec.Contracts),
			slog.Float64("pnl", rec.PnL),
			slog.Float64("realized_pnl", rec.RealizedPnL),
		)
		recCopy := rec
		pr.events.Emit(ctx, domain.Event{
			Type:       domain.EventPositionExpired,
			Time:       pr.now().UTC(),
			PositionID: p.ID,
			Position:   &settled,
			Settlement: &recCopy,
		})
	}
	result.TotalPnL = position.AddPnL(amounts...)

	pr.logger.InfoContext(ctx, "settlement: run finished",
		slog.String("run_id", result.RunID),
		slog.Int("settled", len(result.Settled)),
		slog.Int("failed", len(result.Failed)),
		slog.Float64("total_pnl", result.TotalPnL),
	)

	if err := pr.writeReport(ctx, result); err != nil {
		pr.logger.WarnContext(ctx, "settlement: report not archived",
			slog.String("run_id", result.RunID),
			slog.String("error", err.Error()),
		)
	}
	return result, nil
}

// candidates merges tracked and stored expiring positions. The tracked copy
// wins because it may hold scale-outs not yet written.
func (pr *Processor) candidates(ctx context.Context, asOf time.Time) ([]domain.Position, error) {
	byID := make(map[string]domain.Position)

	stored, err := pr.store.ListExpiring(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("settlement: list expiring: %w", err)
	}
	for _, p := range stored {
		byID[p.ID] = p
	}
	if pr.tracker != nil {
		for _, p := range pr.tracker.Expiring(asOf) {
			byID[p.ID] = p
		}
	}

	out := make([]domain.Position, 0, len(byID))
	for id, p := range byID {
		if p.Status != domain.PositionStatusOpen {
			continue
		}
		if pr.tracker != nil && pr.tracker.HasPendingClose(id) {
			pr.logger.InfoContext(ctx, "settlement: skipping position with filled close awaiting write",
				slog.String("position_id", id),
			)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (pr *Processor) persist(ctx context.Context, id string, change domain.StatusChange) error {
	var err error
	for attempt := 1; attempt <= pr.cfg.Retries; attempt++ {
		if err = pr.store.UpdateStatus(ctx, id, change); err == nil {
			return nil
		}
		if attempt == pr.cfg.Retries || pr.cfg.Backoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("settlement: update status %s: %w: %w", id, domain.ErrPersistence, ctx.Err())
		case <-time.After(time.Duration(attempt) * pr.cfg.Backoff):
		}
	}
	return fmt.Errorf("settlement: update status %s: %w: %w", id, domain.ErrPersistence, err)
}

func (pr *Processor) fail(ctx context.Context, result *domain.SettlementResult, id string, err error) {
	pr.logger.ErrorContext(ctx, "settlement: position not settled",
		slog.String("position_id", id),
		slog.String("error", err.Error()),
	)
	result.Failed = append(result.Failed, domain.SettlementFailure{PositionID: id, Error: err.Error()})
}

// ReportKey is the blob key of a settlement report.
func ReportKey(prefix string, asOf time.Time, runID string) string {
	return path.Join(prefix, "settlements", asOf.Format("2006/01/02"), runID+".json")
}

func (pr *Processor) writeReport(ctx context.Context, result domain.SettlementResult) error {
	if pr.reports == nil {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("settlement: marshal report: %w", err)
	}
	key := ReportKey(pr.cfg.ReportPrefix, result.AsOf, result.RunID)
	if err := pr.reports.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("settlement: put report %s: %w", key, err)
	}
	return nil
}
