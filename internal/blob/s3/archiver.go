package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

const archivePageSize = 500

// AuditArchiver copies one session day of audit rows to blob storage as
// JSONL. Rows stay in the primary store; pruning is a separate step.
type AuditArchiver struct {
	audit  domain.AuditStore
	writer domain.BlobWriter
	prefix string
}

// NewAuditArchiver creates an AuditArchiver writing under prefix.
func NewAuditArchiver(audit domain.AuditStore, writer domain.BlobWriter, prefix string) *AuditArchiver {
	return &AuditArchiver{audit: audit, writer: writer, prefix: prefix}
}

// ArchiveKey is the object key for the audit archive of day.
//
//	{prefix}/audit/2026/03/20.jsonl
func ArchiveKey(prefix string, day time.Time) string {
	return path.Join(prefix, "audit", day.Format("2006/01/02")+".jsonl")
}

// ArchiveDay uploads every audit row created on day (a calendar date in
// day's location), oldest first. It returns the number of rows written; an
// empty day uploads nothing.
func (a *AuditArchiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	until := start.AddDate(0, 0, 1).Add(-time.Nanosecond)

	var rows []domain.AuditEntry
	for offset := 0; ; offset += archivePageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
			Since:  &start,
			Until:  &until,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: list audit %s: %w", start.Format(time.DateOnly), err)
		}
		rows = append(rows, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	slices.SortStableFunc(rows, func(x, y domain.AuditEntry) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})

	data, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: encode audit %s: %w", start.Format(time.DateOnly), err)
	}
	key := ArchiveKey(a.prefix, start)
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/x-ndjson"); err != nil {
		return 0, err
	}
	return len(rows), nil
}

type archivedEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func marshalJSONL(rows []domain.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range rows {
		rec := archivedEntry{ID: r.ID, Event: r.Event, Detail: r.Detail, CreatedAt: r.CreatedAt}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
