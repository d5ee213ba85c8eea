package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"", SeverityInfo},
		{"info", SeverityInfo},
		{"WARN", SeverityWarning},
		{"warning", SeverityWarning},
		{" critical ", SeverityCritical},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseSeverity("loud")
	assert.Error(t, err)
}

func TestNotifier_MinSeverity(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, SeverityWarning, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, SeverityInfo, "exit", "dropped"))
	require.NoError(t, n.Notify(ctx, SeverityWarning, "override", "kept"))
	require.NoError(t, n.Notify(ctx, SeverityCritical, "persistence", "kept"))

	assert.Equal(t, []string{"[WARNING] override", "[CRITICAL] persistence"}, s.titles)
}

func TestNotifier_SenderFailureDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, SeverityInfo, discard())

	err := n.Notify(context.Background(), SeverityInfo, "t", "m")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestNotifier_NoSenders(t *testing.T) {
	n := NewNotifier(nil, SeverityInfo, discard())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), SeverityCritical, "t", "m"))

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Notify(context.Background(), SeverityCritical, "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*title*\nbody", got["text"])
}

func TestDiscordSender_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
