package domain

import (
	"context"
	"time"
)

// EventsChannel is the bus channel carrying engine events.
const EventsChannel = "spreadbot:events"

// Event types published on EventsChannel and written to the audit log.
const (
	EventCycleFinished      = "cycle.finished"
	EventArbiterOverride    = "arbiter.override"
	EventPositionOpened     = "position.opened"
	EventPositionScaledOut  = "position.scaled_out"
	EventPositionClosed     = "position.closed"
	EventPositionExpired    = "position.expired"
	EventPersistenceFailure = "persistence.failure"
	EventExecutionFailure   = "execution.failure"
	EventSettlementFinished = "settlement.finished"
)

// Event is the envelope emitted by the engine. Only the fields relevant to
// Type are set.
type Event struct {
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	PositionID string            `json:"position_id,omitempty"`
	Position   *Position         `json:"position,omitempty"`
	Exit       *ExitEvent        `json:"exit,omitempty"`
	Settlement *SettlementRecord `json:"settlement,omitempty"`
	Override   *OverrideInfo     `json:"override,omitempty"`
	Cycle      *CycleResult      `json:"cycle,omitempty"`
	Run        *SettlementResult `json:"run,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// EventSink receives engine events. Emit must not block for long and must
// not fail the caller.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// DiscardEvents is an EventSink that drops everything.
type DiscardEvents struct{}

// Emit implements EventSink.
func (DiscardEvents) Emit(context.Context, Event) {}
