package ws

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
	"github.com/pairbot/backend/internal/session"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	clk    *clock.FakeClock
	store  *session.Store
	hub    *Hub
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, cfg config.ServerConfig) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	store := session.NewStore(clk)
	log := zap.NewNop().Sugar()
	hub := NewHub(HubConfig{MaxConnections: cfg.MaxConnections}, store, clk, log)
	server := NewServer(cfg, store, hub, nil, clk, log)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{clk: clk, store: store, hub: hub, server: server, http: srv}
}

// apply moves the store and broadcasts the result, the way the lifecycle
// adapter does.
func (h *harness) apply(t *testing.T, tr session.Transition) session.State {
	t.Helper()
	st, ok := h.store.Apply(tr)
	require.True(t, ok)
	h.hub.OnStateChanged(st)
	return st
}

// dial connects a new observer and waits until the hub has registered it.
func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.hub.ObserverCount()
	conn := h.dialRaw(t, "")
	require.Eventually(t, func() bool { return h.hub.ObserverCount() > before }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (h *harness) dialRaw(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Event EventName              `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg received
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// expectQuiet asserts nothing arrives for a short while. The connection
// is unusable afterwards.
func expectQuiet(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected event %s", data)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestObserverReceivesWaitingOnConnect(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t)

	msg := readEvent(t, conn)
	assert.Equal(t, EventStatus, msg.Event)
	assert.Equal(t, StatusWaiting, msg.Data["status"])
	assert.Equal(t, session.MessageWaiting, msg.Data["message"])
	assert.NotContains(t, msg.Data, "ready")
}

func TestCredentialFansOutToAllObservers(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	a, b := h.dial(t), h.dial(t)
	readEvent(t, a)
	readEvent(t, b)

	h.apply(t, session.Transition{Signal: session.SignalCredential, Credential: "Q1"})
	h.apply(t, session.Transition{Signal: session.SignalCredential, Credential: "Q2"})

	for _, conn := range []*websocket.Conn{a, b} {
		first := readEvent(t, conn)
		assert.Equal(t, EventQRCode, first.Event)
		assert.Equal(t, "Q1", first.Data["qr"])
		assert.Equal(t, "pending", first.Data["status"])

		second := readEvent(t, conn)
		assert.Equal(t, "Q2", second.Data["qr"])
	}
}

func TestObserverJoiningAfterReadyGetsOneConnected(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	early := h.dial(t)
	readEvent(t, early)

	h.apply(t, session.Transition{Signal: session.SignalCredential, Credential: "Q1"})
	ready := h.apply(t, session.Transition{Signal: session.SignalReady})

	late := h.dial(t)

	assert.Equal(t, EventQRCode, readEvent(t, early).Event)
	for _, conn := range []*websocket.Conn{early, late} {
		msg := readEvent(t, conn)
		assert.Equal(t, EventStatus, msg.Event)
		assert.Equal(t, StatusConnected, msg.Data["status"])
		assert.Equal(t, true, msg.Data["ready"])
		assert.Equal(t, session.MessageReady, msg.Data["message"])
	}

	// A repeated notification for a state already delivered is a no-op.
	h.hub.OnStateChanged(ready)
	expectQuiet(t, early)
	expectQuiet(t, late)
}

func TestStaleStateIsNeverDelivered(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t)
	readEvent(t, conn)

	old := h.apply(t, session.Transition{Signal: session.SignalCredential, Credential: "Q1"})
	h.apply(t, session.Transition{Signal: session.SignalReady})
	readEvent(t, conn)
	readEvent(t, conn)

	h.hub.OnStateChanged(old)
	expectQuiet(t, conn)
}

func TestAuthFailureAndDisconnectEvents(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t)
	readEvent(t, conn)

	h.apply(t, session.Transition{Signal: session.SignalAuthFailure, Reason: "bad"})
	h.apply(t, session.Transition{Signal: session.SignalDisconnected, Reason: "LOGOUT"})

	failed := readEvent(t, conn)
	assert.Equal(t, StatusError, failed.Data["status"])
	assert.Equal(t, session.MessageAuthFailed, failed.Data["message"])

	lost := readEvent(t, conn)
	assert.Equal(t, StatusDisconnected, lost.Data["status"])
	assert.Equal(t, "Connection lost. Refresh to generate a new QR code.", lost.Data["message"])

	// A fresh observer after a disconnect is told to wait for a new code.
	late := h.dial(t)
	msg := readEvent(t, late)
	assert.Equal(t, StatusWaiting, msg.Data["status"])
}

// An observer that registers between a failure transition and its
// broadcast is synced with "waiting" and must still see the failure.
func TestObserverJoiningBeforeFailureBroadcastStillGetsIt(t *testing.T) {
	tests := []struct {
		name   string
		tr     session.Transition
		status string
	}{
		{"disconnected", session.Transition{Signal: session.SignalDisconnected, Reason: "LOGOUT"}, StatusDisconnected},
		{"auth failure", session.Transition{Signal: session.SignalAuthFailure, Reason: "bad"}, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.ServerConfig{})
			st, ok := h.store.Apply(tt.tr)
			require.True(t, ok)

			conn := h.dial(t)
			h.hub.OnStateChanged(st)

			assert.Equal(t, StatusWaiting, readEvent(t, conn).Data["status"])
			msg := readEvent(t, conn)
			assert.Equal(t, EventStatus, msg.Event)
			assert.Equal(t, tt.status, msg.Data["status"])

			h.hub.OnStateChanged(st)
			expectQuiet(t, conn)
		})
	}
}

func TestGetQRResyncs(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	h.apply(t, session.Transition{Signal: session.SignalCredential, Credential: "Q1"})

	conn := h.dial(t)
	assert.Equal(t, "Q1", readEvent(t, conn).Data["qr"])

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "getQR"}))
	msg := readEvent(t, conn)
	assert.Equal(t, EventQRCode, msg.Event)
	assert.Equal(t, "Q1", msg.Data["qr"])

	// Unknown and malformed input is ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"event": "bogus"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"event": "getQR"}))
	assert.Equal(t, "Q1", readEvent(t, conn).Data["qr"])
}

func TestMaxConnectionsRejectsExtraObservers(t *testing.T) {
	h := newHarness(t, config.ServerConfig{MaxConnections: 1})
	first := h.dial(t)
	readEvent(t, first)

	second := h.dialRaw(t, "")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 1, h.hub.ObserverCount())
}

func TestObserverDisconnectIsRemoved(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t)
	readEvent(t, conn)

	conn.Close()
	require.Eventually(t, func() bool { return h.hub.ObserverCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Broadcasting with nobody connected is fine.
	h.apply(t, session.Transition{Signal: session.SignalReady})
}

func TestHubCloseDisconnectsObservers(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t)
	readEvent(t, conn)

	h.hub.Close()
	assert.Equal(t, 0, h.hub.ObserverCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSlowObserverIsDisconnected(t *testing.T) {
	clk := clock.Fake(epoch)
	store := session.NewStore(clk)
	hub := NewHub(HubConfig{}, store, clk, zap.NewNop().Sugar())

	// No write pump, so the one-slot queue stays full.
	o := &Observer{ID: "slow", hub: hub, send: make(chan []byte, 1)}
	o.send <- []byte("sync")
	hub.mu.Lock()
	hub.observers[o] = struct{}{}
	hub.mu.Unlock()

	st, _ := store.Apply(session.Transition{Signal: session.SignalReady})
	hub.OnStateChanged(st)
	assert.Equal(t, 0, hub.ObserverCount())

	<-o.send
	_, open := <-o.send
	assert.False(t, open, "send queue should be closed")

	// Removal is idempotent and later broadcasts skip the observer.
	hub.RemoveObserver(o)
	hub.Resync(o)
	hub.OnStateChanged(st)
}
