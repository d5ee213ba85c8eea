package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	if channel != domain.EventsChannel {
		return nil, nil
	}
	return b.ch, nil
}

func startHub(t *testing.T, bus domain.EventBus) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(bus, Config{
		Mode:   "Paper",
		Status: func(context.Context) domain.Status { return domain.Status{OpenCount: 1} },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
		srv.Close()
	})

	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	return hub, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_GreetingThenBroadcast(t *testing.T) {
	hub, conn := startHub(t, nil)

	hello := readJSON(t, conn)
	assert.Equal(t, "bot_status", hello["type"])
	payload := hello["payload"].(map[string]any)
	assert.Equal(t, "paper", payload["mode"])
	assert.InDelta(t, 1, payload["status"].(map[string]any)["open_count"], 1e-9)

	hub.Broadcast([]byte(`{"type":"position.opened","position_id":"p1"}`))
	ev := readJSON(t, conn)
	assert.Equal(t, "position.opened", ev["type"])
	assert.Equal(t, "p1", ev["position_id"])
}

func TestHub_ForwardsBusEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	_, conn := startHub(t, bus)
	readJSON(t, conn)

	bus.ch <- []byte(`{"type":"position.closed","position_id":"p2"}`)
	ev := readJSON(t, conn)
	assert.Equal(t, "position.closed", ev["type"])
}

func TestClient_Subscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{"*": true}}
	assert.True(t, c.isSubscribed("cycle.finished"))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Types: []string{"*"}})
	c.handleSubscription(subscribeMsg{Action: "subscribe", Types: []string{"position.*", "arbiter.override"}})

	assert.True(t, c.isSubscribed("position.opened"))
	assert.True(t, c.isSubscribed("position.expired"))
	assert.True(t, c.isSubscribed("arbiter.override"))
	assert.False(t, c.isSubscribed("cycle.finished"))
	assert.False(t, c.isSubscribed(""))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, "settlement.finished", typeOf([]byte(`{"type":"settlement.finished"}`)))
	assert.Equal(t, "", typeOf([]byte(`not json`)))
}
