// Package sqlite implements the position and audit stores on a local SQLite
// file. It is the default store for paper trading.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                  TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	long_strike         REAL NOT NULL,
	short_strike        REAL NOT NULL,
	expiration          TEXT NOT NULL,
	initial_contracts   INTEGER NOT NULL,
	contracts_remaining INTEGER NOT NULL,
	entry_debit         REAL NOT NULL,
	max_profit          REAL NOT NULL,
	max_loss            REAL NOT NULL,
	scaled_pnl          REAL NOT NULL DEFAULT 0,
	realized_pnl        REAL NOT NULL DEFAULT 0,
	entry               TEXT NOT NULL DEFAULT '{}',
	trailing            TEXT NOT NULL DEFAULT '{}',
	status              TEXT NOT NULL,
	opened_at           TEXT NOT NULL,
	closed_at           TEXT,
	close_price         REAL,
	close_reason        TEXT NOT NULL DEFAULT '',
	order_ref           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_status_expiration ON positions (status, expiration);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
`

// Fixed-width UTC layouts keep lexicographic order equal to time order.
const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store holds the SQLite handle shared by the position and audit stores.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PositionStore returns the domain.PositionStore view.
func (s *Store) PositionStore() *PositionStore {
	return &PositionStore{db: s.db}
}

// AuditStore returns the domain.AuditStore view.
func (s *Store) AuditStore() *AuditStore {
	return &AuditStore{db: s.db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	db *sql.DB
}

const positionCols = `id, kind, symbol, long_strike, short_strike, expiration,
	initial_contracts, contracts_remaining, entry_debit, max_profit, max_loss,
	scaled_pnl, realized_pnl, entry, trailing, status, opened_at, closed_at,
	close_price, close_reason, order_ref`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var (
		p                    domain.Position
		kind, status, reason string
		expiration, openedAt string
		entryJSON, trailJSON string
		closedAt             sql.NullString
		closePrice           sql.NullFloat64
	)
	if err := row.Scan(
		&p.ID, &kind, &p.Symbol, &p.LongStrike, &p.ShortStrike, &expiration,
		&p.InitialContracts, &p.ContractsRemaining, &p.EntryDebit, &p.MaxProfit, &p.MaxLoss,
		&p.ScaledPnL, &p.RealizedPnL, &entryJSON, &trailJSON, &status, &openedAt, &closedAt,
		&closePrice, &reason, &p.OrderRef,
	); err != nil {
		return domain.Position{}, err
	}

	var err error
	p.Kind = domain.SpreadKind(kind)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.ExitReason(reason)
	if p.Expiration, err = time.Parse(dateLayout, expiration); err != nil {
		return domain.Position{}, fmt.Errorf("parse expiration: %w", err)
	}
	if p.OpenedAt, err = parseTime(openedAt); err != nil {
		return domain.Position{}, fmt.Errorf("parse opened_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return domain.Position{}, fmt.Errorf("parse closed_at: %w", err)
		}
		p.ClosedAt = &t
	}
	if closePrice.Valid {
		v := closePrice.Float64
		p.ClosePrice = &v
	}
	if err := json.Unmarshal([]byte(entryJSON), &p.Entry); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal entry context: %w", err)
	}
	if err := json.Unmarshal([]byte(trailJSON), &p.Trailing); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal trailing state: %w", err)
	}
	return p, nil
}

func (s *PositionStore) query(ctx context.Context, op, where string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE `+where+` ORDER BY opened_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", op, err)
	}
	return out, nil
}

// ListOpen returns OPEN positions expiring on or after asOf.
func (s *PositionStore) ListOpen(ctx context.Context, asOf time.Time) ([]domain.Position, error) {
	return s.query(ctx, "list open positions",
		`status = 'OPEN' AND expiration >= ?`, domain.CivilDate(asOf).Format(dateLayout))
}

// ListExpiring returns OPEN positions expiring on or before asOf.
func (s *PositionStore) ListExpiring(ctx context.Context, asOf time.Time) ([]domain.Position, error) {
	return s.query(ctx, "list expiring positions",
		`status = 'OPEN' AND expiration <= ?`, domain.CivilDate(asOf).Format(dateLayout))
}

// ListClosedSince returns terminal positions closed at or after since.
func (s *PositionStore) ListClosedSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	return s.query(ctx, "list closed positions",
		`status IN ('CLOSED', 'EXPIRED') AND closed_at >= ?`, formatTime(since))
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("sqlite: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// Save upserts a position. Terminal rows are left untouched.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	entryJSON, err := json.Marshal(p.Entry)
	if err != nil {
		return fmt.Errorf("sqlite: marshal entry context: %w", err)
	}
	trailJSON, err := json.Marshal(p.Trailing)
	if err != nil {
		return fmt.Errorf("sqlite: marshal trailing state: %w", err)
	}
	var closedAt sql.NullString
	if p.ClosedAt != nil {
		closedAt = sql.NullString{String: formatTime(*p.ClosedAt), Valid: true}
	}
	var closePrice sql.NullFloat64
	if p.ClosePrice != nil {
		closePrice = sql.NullFloat64{Float64: *p.ClosePrice, Valid: true}
	}

	const query = `
		INSERT INTO positions (` + positionCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			contracts_remaining = excluded.contracts_remaining,
			scaled_pnl          = excluded.scaled_pnl,
			realized_pnl        = excluded.realized_pnl,
			trailing            = excluded.trailing,
			status              = excluded.status,
			closed_at           = excluded.closed_at,
			close_price         = excluded.close_price,
			close_reason        = excluded.close_reason,
			order_ref           = excluded.order_ref
		WHERE positions.status = 'OPEN'`

	_, err = s.db.ExecContext(ctx, query,
		p.ID, string(p.Kind), p.Symbol, p.LongStrike, p.ShortStrike, domain.CivilDate(p.Expiration).Format(dateLayout),
		p.InitialContracts, p.ContractsRemaining, p.EntryDebit, p.MaxProfit, p.MaxLoss,
		p.ScaledPnL, p.RealizedPnL, string(entryJSON), string(trailJSON), string(p.Status), formatTime(p.OpenedAt), closedAt,
		closePrice, string(p.CloseReason), p.OrderRef,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save position %s: %w", p.ID, err)
	}
	return nil
}

// UpdateStatus writes a terminal transition for an OPEN position.
func (s *PositionStore) UpdateStatus(ctx context.Context, id string, change domain.StatusChange) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			status       = ?,
			close_price  = ?,
			close_reason = ?,
			realized_pnl = ?,
			closed_at    = ?
		WHERE id = ? AND status = 'OPEN'`,
		string(change.Status), change.ClosePrice, string(change.Reason),
		change.RealizedPnL, formatTime(change.ClosedAt), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update position status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update position status %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: update position status %s: %w", id, domain.ErrPositionNotOpen)
	}
	return nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	db *sql.DB
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(detailJSON), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Event != "" {
		query += ` AND event = ?`
		args = append(args, opts.Event)
	}
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*opts.Until))
	}
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" && detail.String != "null" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse audit time: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}
