// Package memory implements the domain store interfaces in process memory.
// It backs monitor mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

// PositionStore implements domain.PositionStore with a map.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

// ListOpen returns OPEN positions expiring on or after asOf.
func (s *PositionStore) ListOpen(_ context.Context, asOf time.Time) ([]domain.Position, error) {
	asOf = domain.CivilDate(asOf)
	return s.filter(func(p domain.Position) bool {
		return p.Status == domain.PositionStatusOpen && !domain.CivilDate(p.Expiration).Before(asOf)
	}), nil
}

// ListExpiring returns OPEN positions expiring on or before asOf.
func (s *PositionStore) ListExpiring(_ context.Context, asOf time.Time) ([]domain.Position, error) {
	asOf = domain.CivilDate(asOf)
	return s.filter(func(p domain.Position) bool {
		return p.Status == domain.PositionStatusOpen && !domain.CivilDate(p.Expiration).After(asOf)
	}), nil
}

// ListClosedSince returns terminal positions closed at or after since.
func (s *PositionStore) ListClosedSince(_ context.Context, since time.Time) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.Status.Terminal() && p.ClosedAt != nil && !p.ClosedAt.Before(since)
	}), nil
}

// GetByID returns a copy of the stored position.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return clonePosition(p), nil
}

// Save inserts or replaces a position. A terminal record is never
// overwritten.
func (s *PositionStore) Save(_ context.Context, pos domain.Position) error {
	if pos.ID == "" {
		return fmt.Errorf("memory: save position: %w", domain.ErrInvalidPosition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.positions[pos.ID]; ok && cur.Status.Terminal() {
		return nil
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}

// UpdateStatus applies a terminal transition to an OPEN position.
func (s *PositionStore) UpdateStatus(_ context.Context, id string, change domain.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: update status %s: %w", id, domain.ErrNotFound)
	}
	if p.Status != domain.PositionStatusOpen {
		return fmt.Errorf("memory: update status %s: %w", id, domain.ErrPositionNotOpen)
	}
	closedAt := change.ClosedAt
	price := change.ClosePrice
	p.Status = change.Status
	p.ClosedAt = &closedAt
	p.ClosePrice = &price
	p.CloseReason = change.Reason
	p.RealizedPnL = change.RealizedPnL
	s.positions[id] = p
	return nil
}

// Len is the number of stored positions.
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

func (s *PositionStore) filter(keep func(domain.Position) bool) []domain.Position {
	s.mu.RLock()
	var out []domain.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, clonePosition(p))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// clonePosition detaches pointer fields so callers cannot alias stored state.
func clonePosition(p domain.Position) domain.Position {
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		p.ClosedAt = &t
	}
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		p.ClosePrice = &v
	}
	if p.Entry.Override != nil {
		o := *p.Entry.Override
		p.Entry.Override = &o
	}
	return p
}
