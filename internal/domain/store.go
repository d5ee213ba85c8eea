package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event restricts audit queries to one event type.
	Event string
}

// PositionStore persists spread positions. Dates passed as asOf are civil
// dates; see CivilDate.
type PositionStore interface {
	// ListOpen returns OPEN positions expiring on or after asOf.
	ListOpen(ctx context.Context, asOf time.Time) ([]Position, error)
	// ListExpiring returns OPEN positions expiring on or before asOf.
	ListExpiring(ctx context.Context, asOf time.Time) ([]Position, error)
	// ListClosedSince returns terminal positions closed at or after since.
	ListClosedSince(ctx context.Context, since time.Time) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	// Save inserts or fully replaces a position record.
	Save(ctx context.Context, pos Position) error
	// UpdateStatus writes a terminal transition for an OPEN position.
	UpdateStatus(ctx context.Context, id string, change StatusChange) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
