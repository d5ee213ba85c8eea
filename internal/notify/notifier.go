// Package notify delivers operator alerts to Telegram and Discord. Each alert
// carries a severity; alerts below the configured minimum are dropped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Severity orders alerts: info < warning < critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity maps "info", "warning" (or "warn") and "critical" to a
// Severity. Empty means info.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("notify: unknown severity %q", s)
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every Sender.
type Notifier struct {
	senders []Sender
	min     Severity
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that forwards alerts at or above minSeverity.
func NewNotifier(senders []Sender, minSeverity Severity, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders: senders,
		min:     minSeverity,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers the alert unless its severity is below the minimum. One
// sender failing does not stop delivery to the rest; the failures are
// joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, sev Severity, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if sev < n.min {
		n.logger.DebugContext(ctx, "notifier: below minimum severity",
			slog.String("severity", sev.String()),
			slog.String("title", title),
		)
		return nil
	}

	title = "[" + strings.ToUpper(sev.String()) + "] " + title
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
