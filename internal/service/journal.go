package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spreadbot/internal/domain"
	"github.com/alanyoungcy/spreadbot/internal/metrics"
	"github.com/alanyoungcy/spreadbot/internal/notify"
)

// Broadcaster fans payloads out to in-process subscribers such as the
// websocket hub.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// auditedEvents are the event types written to the audit log.
var auditedEvents = map[string]bool{
	domain.EventArbiterOverride:    true,
	domain.EventPositionOpened:     true,
	domain.EventPositionScaledOut:  true,
	domain.EventPositionClosed:     true,
	domain.EventPositionExpired:    true,
	domain.EventPersistenceFailure: true,
	domain.EventExecutionFailure:   true,
	domain.EventSettlementFinished: true,
}

type alert struct {
	sev     notify.Severity
	title   string
	message string
}

// Journal implements domain.EventSink. Each event is written to the audit
// log, published on the event bus, counted in metrics and, when it warrants
// one, queued as an alert. Alerts are delivered by Run so a slow sender
// never holds up a cycle.
type Journal struct {
	audit    domain.AuditStore
	bus      domain.EventBus
	local    Broadcaster
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	alerts   chan alert
	now      func() time.Time
	logger   *slog.Logger
}

// NewJournal creates a Journal. Every dependency may be nil.
func NewJournal(
	audit domain.AuditStore,
	bus domain.EventBus,
	local Broadcaster,
	m *metrics.Metrics,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Journal {
	return &Journal{
		audit:    audit,
		bus:      bus,
		local:    local,
		metrics:  m,
		notifier: notifier,
		alerts:   make(chan alert, 64),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "journal")),
	}
}

// Emit implements domain.EventSink.
func (j *Journal) Emit(ctx context.Context, ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = j.now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		j.logger.ErrorContext(ctx, "journal: marshal event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if j.audit != nil && auditedEvents[ev.Type] {
		var detail map[string]any
		if err := json.Unmarshal(payload, &detail); err == nil {
			delete(detail, "type")
			if err := j.audit.Log(ctx, ev.Type, detail); err != nil {
				j.logger.WarnContext(ctx, "journal: audit log failed",
					slog.String("type", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if j.bus != nil {
		if err := j.bus.Publish(ctx, domain.EventsChannel, payload); err != nil {
			j.logger.WarnContext(ctx, "journal: publish failed",
				slog.String("type", ev.Type),
				slog.String("error", err.Error()),
			)
		}
	} else if j.local != nil {
		j.local.Broadcast(payload)
	}

	j.metrics.Observe(ev)

	if a, ok := alertFor(ev); ok && j.notifier.Enabled() {
		select {
		case j.alerts <- a:
		default:
			j.logger.WarnContext(ctx, "journal: alert queue full, dropping",
				slog.String("title", a.title),
			)
		}
	}
}

// Run delivers queued alerts until ctx is cancelled, then flushes what is
// still queued.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return nil
		case a := <-j.alerts:
			j.deliver(ctx, a, 15*time.Second)
		}
	}
}

func (j *Journal) flush() {
	for {
		select {
		case a := <-j.alerts:
			j.deliver(context.Background(), a, 5*time.Second)
		default:
			return
		}
	}
}

func (j *Journal) deliver(ctx context.Context, a alert, timeout time.Duration) {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := j.notifier.Notify(sendCtx, a.sev, a.title, a.message); err != nil {
		j.logger.WarnContext(ctx, "journal: alert delivery failed",
			slog.String("title", a.title),
			slog.String("error", err.Error()),
		)
	}
}

// alertFor maps an event to its alert. Exits and settlements are info,
// overrides and execution failures warning, persistence failures critical.
func alertFor(ev domain.Event) (alert, bool) {
	switch ev.Type {
	case domain.EventArbiterOverride:
		o := ev.Override
		if o == nil {
			return alert{}, false
		}
		msg := fmt.Sprintf("%s %s overridden by %s (confidence %.2f, win %.2f): %s",
			o.OverriddenSource, o.OverriddenAdvice, o.OverriddenBy,
			o.AdvisorConfidence, o.AdvisorWinProbability, o.Reason)
		return alert{sev: notify.SeverityWarning, title: "advisor override", message: msg}, true
	case domain.EventPositionOpened:
		p := ev.Position
		if p == nil {
			return alert{}, false
		}
		msg := fmt.Sprintf("%s %s %g/%g x%d @ %.2f",
			p.Kind, p.Symbol, p.LongStrike, p.ShortStrike, p.InitialContracts, p.EntryDebit)
		return alert{sev: notify.SeverityInfo, title: "position opened", message: msg}, true
	case domain.EventPositionScaledOut, domain.EventPositionClosed:
		x := ev.Exit
		if x == nil || x.Error != "" {
			return alert{}, false
		}
		title := "position closed"
		if ev.Type == domain.EventPositionScaledOut {
			title = "position scaled out"
		}
		return alert{
			sev:     notify.SeverityInfo,
			title:   title,
			message: fmt.Sprintf("%s %s x%d @ %.2f pnl %.2f", x.PositionID, x.Reason, x.Contracts, x.SpreadValue, x.PnL),
		}, true
	case domain.EventPositionExpired:
		s := ev.Settlement
		if s == nil {
			return alert{}, false
		}
		return alert{
			sev:     notify.SeverityInfo,
			title:   "position settled",
			message: fmt.Sprintf("%s %s at %.2f pnl %.2f", s.PositionID, s.Outcome, s.ReferencePrice, s.PnL),
		}, true
	case domain.EventExecutionFailure:
		return alert{
			sev:     notify.SeverityWarning,
			title:   "execution failure",
			message: failureMessage(ev),
		}, true
	case domain.EventPersistenceFailure:
		return alert{
			sev:     notify.SeverityCritical,
			title:   "persistence failure",
			message: failureMessage(ev),
		}, true
	case domain.EventCycleFinished:
		if ev.Cycle == nil || ev.Cycle.Outcome != domain.CycleFailed {
			return alert{}, false
		}
		return alert{
			sev:     notify.SeverityWarning,
			title:   "cycle failed",
			message: ev.Cycle.Error,
		}, true
	}
	return alert{}, false
}

func failureMessage(ev domain.Event) string {
	if ev.PositionID == "" {
		return ev.Error
	}
	return ev.PositionID + ": " + ev.Error
}

var _ domain.EventSink = (*Journal)(nil)
