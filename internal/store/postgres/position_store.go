package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, kind, symbol, long_strike, short_strike, expiration,
	initial_contracts, contracts_remaining, entry_debit, max_profit, max_loss,
	scaled_pnl, realized_pnl, entry, trailing, status, opened_at, closed_at,
	close_price, COALESCE(close_reason, ''), COALESCE(order_ref, '')`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                      domain.Position
		kind, status, reason   string
		entryJSON, trailingRaw []byte
	)
	err := row.Scan(
		&p.ID, &kind, &p.Symbol, &p.LongStrike, &p.ShortStrike, &p.Expiration,
		&p.InitialContracts, &p.ContractsRemaining, &p.EntryDebit, &p.MaxProfit, &p.MaxLoss,
		&p.ScaledPnL, &p.RealizedPnL, &entryJSON, &trailingRaw, &status, &p.OpenedAt, &p.ClosedAt,
		&p.ClosePrice, &reason, &p.OrderRef,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Kind = domain.SpreadKind(kind)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.ExitReason(reason)
	p.Expiration = domain.CivilDate(p.Expiration)
	if len(entryJSON) > 0 {
		if err := json.Unmarshal(entryJSON, &p.Entry); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal entry context: %w", err)
		}
	}
	if len(trailingRaw) > 0 {
		if err := json.Unmarshal(trailingRaw, &p.Trailing); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal trailing state: %w", err)
		}
	}
	return p, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, op, where string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE `+where+` ORDER BY opened_at ASC, id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return positions, nil
}

// ListOpen returns OPEN positions expiring on or after asOf.
func (s *PositionStore) ListOpen(ctx context.Context, asOf time.Time) ([]domain.Position, error) {
	return s.queryPositions(ctx, "list open positions",
		`status = 'OPEN' AND expiration >= $1`, domain.CivilDate(asOf))
}

// ListExpiring returns OPEN positions expiring on or before asOf.
func (s *PositionStore) ListExpiring(ctx context.Context, asOf time.Time) ([]domain.Position, error) {
	return s.queryPositions(ctx, "list expiring positions",
		`status = 'OPEN' AND expiration <= $1`, domain.CivilDate(asOf))
}

// ListClosedSince returns terminal positions closed at or after since.
func (s *PositionStore) ListClosedSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	return s.queryPositions(ctx, "list closed positions",
		`status IN ('CLOSED', 'EXPIRED') AND closed_at >= $1`, since)
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Save upserts a position. Rows already in a terminal status are left
// untouched.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	entryJSON, err := json.Marshal(p.Entry)
	if err != nil {
		return fmt.Errorf("postgres: marshal entry context: %w", err)
	}
	trailingJSON, err := json.Marshal(p.Trailing)
	if err != nil {
		return fmt.Errorf("postgres: marshal trailing state: %w", err)
	}

	const query = `
		INSERT INTO positions (
			id, kind, symbol, long_strike, short_strike, expiration,
			initial_contracts, contracts_remaining, entry_debit, max_profit, max_loss,
			scaled_pnl, realized_pnl, entry, trailing, status, opened_at, closed_at,
			close_price, close_reason, order_ref, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18,
			$19, NULLIF($20, ''), NULLIF($21, ''), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			contracts_remaining = EXCLUDED.contracts_remaining,
			scaled_pnl          = EXCLUDED.scaled_pnl,
			realized_pnl        = EXCLUDED.realized_pnl,
			trailing            = EXCLUDED.trailing,
			status              = EXCLUDED.status,
			closed_at           = EXCLUDED.closed_at,
			close_price         = EXCLUDED.close_price,
			close_reason        = EXCLUDED.close_reason,
			order_ref           = EXCLUDED.order_ref,
			updated_at          = NOW()
		WHERE positions.status = 'OPEN'`

	_, err = s.pool.Exec(ctx, query,
		p.ID, string(p.Kind), p.Symbol, p.LongStrike, p.ShortStrike, domain.CivilDate(p.Expiration),
		p.InitialContracts, p.ContractsRemaining, p.EntryDebit, p.MaxProfit, p.MaxLoss,
		p.ScaledPnL, p.RealizedPnL, entryJSON, trailingJSON, string(p.Status), p.OpenedAt, p.ClosedAt,
		p.ClosePrice, string(p.CloseReason), p.OrderRef,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// UpdateStatus writes a terminal transition for an OPEN position.
func (s *PositionStore) UpdateStatus(ctx context.Context, id string, change domain.StatusChange) error {
	const query = `
		UPDATE positions SET
			status       = $2,
			close_price  = $3,
			close_reason = $4,
			realized_pnl = $5,
			closed_at    = $6,
			updated_at   = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := s.pool.Exec(ctx, query,
		id, string(change.Status), change.ClosePrice, string(change.Reason),
		change.RealizedPnL, change.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: update position status %s: %w", id, domain.ErrPositionNotOpen)
	}
	return nil
}
