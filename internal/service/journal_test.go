package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/metrics"
	"github.com/alanyoungcy/spreadbot/internal/notify"
	"github.com/alanyoungcy/spreadbot/internal/store/memory"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

type fakeHub struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (h *fakeHub) Broadcast(p []byte) {
	h.mu.Lock()
	h.payloads = append(h.payloads, p)
	h.mu.Unlock()
}

type fakeSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *fakeSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	s.titles = append(s.titles, title)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func openedEvent() domain.Event {
	return domain.Event{
		Type:       domain.EventPositionOpened,
		PositionID: "p1",
		Position: &domain.Position{
			ID:               "p1",
			Kind:             domain.SpreadBullCallDebit,
			Symbol:           "SPY",
			LongStrike:       580,
			ShortStrike:      582,
			InitialContracts: 5,
			EntryDebit:       1,
			Entry:            domain.EntryContext{Source: string(domain.SourceML)},
		},
	}
}

func TestJournal_Emit(t *testing.T) {
	audit := memory.NewAuditStore()
	bus := &fakeBus{}
	hub := &fakeHub{}
	m := metrics.New(prometheus.NewRegistry())
	j := NewJournal(audit, bus, hub, m, nil, discardLogger())
	ctx := context.Background()

	j.Emit(ctx, openedEvent())
	j.Emit(ctx, domain.Event{Type: domain.EventCycleFinished, Cycle: &domain.CycleResult{Outcome: domain.CycleCompleted}})

	rows, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1, "cycle.finished is not audited")
	assert.Equal(t, domain.EventPositionOpened, rows[0].Event)
	assert.Equal(t, "p1", rows[0].Detail["position_id"])
	assert.NotContains(t, rows[0].Detail, "type")

	require.Len(t, bus.published[domain.EventsChannel], 2)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(bus.published[domain.EventsChannel][0], &ev))
	assert.Equal(t, domain.EventPositionOpened, ev.Type)
	assert.False(t, ev.Time.IsZero())

	// The bus feeds the hub through its subscription instead.
	assert.Empty(t, hub.payloads)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Entries.WithLabelValues("bull_call_debit", "ML")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("completed")))
}

func TestJournal_LocalBroadcastWithoutBus(t *testing.T) {
	hub := &fakeHub{}
	j := NewJournal(nil, nil, hub, nil, nil, discardLogger())

	j.Emit(context.Background(), openedEvent())
	require.Len(t, hub.payloads, 1)
	assert.Contains(t, string(hub.payloads[0]), `"type":"position.opened"`)
}

func TestJournal_AlertsBySeverity(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewNotifier([]notify.Sender{sender}, notify.SeverityWarning, discardLogger())
	j := NewJournal(nil, nil, nil, nil, n, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = j.Run(ctx)
		close(done)
	}()

	j.Emit(ctx, openedEvent())
	j.Emit(ctx, domain.Event{Type: domain.EventArbiterOverride, Override: &domain.OverrideInfo{
		OverriddenSource: domain.SourceML,
		OverriddenAdvice: "STAY_OUT",
		OverriddenBy:     "advisor",
	}})
	j.Emit(ctx, domain.Event{Type: domain.EventPersistenceFailure, PositionID: "p1", Error: "close: store down"})

	assert.Eventually(t, func() bool { return len(sender.sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"[WARNING] advisor override", "[CRITICAL] persistence failure"}, sender.sent())

	cancel()
	<-done
}

func TestAlertFor(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.Event
		sev  notify.Severity
		ok   bool
	}{
		{"opened", openedEvent(), notify.SeverityInfo, true},
		{"closed", domain.Event{Type: domain.EventPositionClosed, Exit: &domain.ExitEvent{Reason: domain.ExitTrailingStop}}, notify.SeverityInfo, true},
		{"failed close is not an exit", domain.Event{Type: domain.EventPositionClosed, Exit: &domain.ExitEvent{Error: "rejected"}}, 0, false},
		{"settled", domain.Event{Type: domain.EventPositionExpired, Settlement: &domain.SettlementRecord{}}, notify.SeverityInfo, true},
		{"execution failure", domain.Event{Type: domain.EventExecutionFailure, Error: "boom"}, notify.SeverityWarning, true},
		{"persistence failure", domain.Event{Type: domain.EventPersistenceFailure, Error: "boom"}, notify.SeverityCritical, true},
		{"completed cycle", domain.Event{Type: domain.EventCycleFinished, Cycle: &domain.CycleResult{Outcome: domain.CycleCompleted}}, 0, false},
		{"failed cycle", domain.Event{Type: domain.EventCycleFinished, Cycle: &domain.CycleResult{Outcome: domain.CycleFailed}}, notify.SeverityWarning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := alertFor(tt.ev)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.sev, a.sev)
			}
		})
	}
}
