package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
	"github.com/pairbot/backend/internal/dispatch"
	"github.com/pairbot/backend/internal/mock"
	"github.com/pairbot/backend/internal/netclient"
	"github.com/pairbot/backend/internal/session"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testBot struct {
	app     *App
	clk     *clock.FakeClock
	client  *mock.Client
	console *syncBuffer
	results chan dispatch.Result
	baseURL string
	cancel  context.CancelFunc
	runErr  chan error
}

func startBot(t *testing.T, mcfg mock.Config) *testBot {
	t.Helper()

	cfg := config.Default()
	cfg.Client.Mode = "mock"
	cfg.Console.QR = "never"
	cfg.Server.PingInterval = 0

	clk := clock.Fake(epoch)
	log := zap.NewNop().Sugar()
	client := mock.NewClient(mcfg, clk, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &testBot{
		clk:     clk,
		client:  client,
		console: &syncBuffer{},
		results: make(chan dispatch.Result, 16),
		baseURL: "http://" + ln.Addr().String(),
		runErr:  make(chan error, 1),
	}
	b.app = New(cfg, client, log,
		WithClock(clk),
		WithConsoleOutput(b.console),
		WithListener(ln),
		WithDispatchHook(func(r dispatch.Result) { b.results <- r }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() { b.runErr <- b.app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(b.baseURL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		b.app.Shutdown(context.Background())
	})
	return b
}

func (b *testBot) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := b.app.Hub().ObserverCount()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(b.baseURL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return b.app.Hub().ObserverCount() > before }, 2*time.Second, 5*time.Millisecond)
	return conn
}

type event struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func (b *testBot) result(t *testing.T) dispatch.Result {
	t.Helper()
	select {
	case r := <-b.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch result")
		return dispatch.Result{}
	}
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPairAndAnswer(t *testing.T) {
	b := startBot(t, mock.Config{
		FailInitAttempts: 1,
		ScanDelay:        20 * time.Second,
		RotateInterval:   time.Minute,
		MessageInterval:  15 * time.Second,
		Script: []netclient.Message{
			{From: "user1@c.us", Body: "!help"},
			{From: "status@broadcast", Body: "!help"},
		},
	})

	// The first start fails, so nothing has happened yet.
	conn := b.dial(t)
	first := readEvent(t, conn)
	assert.Equal(t, "status", first.Event)
	assert.Equal(t, "waiting", first.Data["status"])

	// One retry interval later the client starts and issues a code.
	b.clk.WaitForTimers(1)
	b.clk.Advance(10 * time.Second)

	qr := readEvent(t, conn)
	require.Equal(t, "qrCode", qr.Event)
	assert.Equal(t, "pending", qr.Data["status"])
	code := qr.Data["qr"].(string)
	assert.NotEmpty(t, code)
	assert.Contains(t, b.console.String(), "QR RECEIVED")
	assert.Contains(t, b.console.String(), code)

	var status map[string]interface{}
	getJSON(t, b.baseURL+"/status", &status)
	assert.Equal(t, true, status["hasQR"])
	assert.Equal(t, false, status["ready"])

	// The scan goes through.
	b.clk.WaitForTimers(1)
	b.clk.Advance(20 * time.Second)

	loading := readEvent(t, conn)
	assert.Equal(t, "waiting", loading.Data["status"])
	assert.Equal(t, session.MessageAuthenticated, loading.Data["message"])
	ready := readEvent(t, conn)
	assert.Equal(t, "connected", ready.Data["status"])
	assert.Equal(t, true, ready.Data["ready"])

	// A second observer joining now gets connected straight away.
	late := b.dial(t)
	assert.Equal(t, "connected", readEvent(t, late).Data["status"])

	getJSON(t, b.baseURL+"/status", &status)
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, false, status["hasQR"])

	// Inbound traffic: one command, one broadcast.
	b.clk.WaitForTimers(1)
	b.clk.Advance(15 * time.Second)
	r := b.result(t)
	assert.Equal(t, dispatch.Replied, r.Outcome)

	b.clk.WaitForTimers(1)
	b.clk.Advance(15 * time.Second)
	r = b.result(t)
	assert.Equal(t, dispatch.Filtered, r.Outcome)

	replies := b.client.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "user1@c.us", replies[0].To)
	assert.Contains(t, replies[0].Text, "Available Commands")

	var health map[string]interface{}
	getJSON(t, b.baseURL+"/healthz", &health)
	assert.Equal(t, float64(2), health["initAttempts"])
	assert.Equal(t, "ready", health["phase"])

	b.cancel()
	select {
	case err := <-b.runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, b.app.Shutdown(context.Background()))
	assert.Equal(t, 0, b.app.Hub().ObserverCount())
}

func TestTwoAppsAreIsolated(t *testing.T) {
	a := startBot(t, mock.Config{ScanDelay: time.Hour})
	other := startBot(t, mock.Config{FailInitAttempts: 100, ScanDelay: time.Hour})

	require.Eventually(t, func() bool {
		return a.app.Store().Snapshot().Phase == session.AwaitingScan
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.Idle, other.app.Store().Snapshot().Phase)
}

func TestRunFailsWhenRetriesExhausted(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.MaxAttempts = 1
	clk := clock.Fake(epoch)
	log := zap.NewNop().Sugar()
	client := mock.NewClient(mock.Config{FailInitAttempts: 5}, clk, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := New(cfg, client, log, WithClock(clk), WithConsoleOutput(&syncBuffer{}), WithListener(ln))

	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()
	select {
	case err := <-errc:
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "retries exhausted")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail")
	}
	assert.Equal(t, 0, a.Shutdown(context.Background()))
}

func TestNewClientSelectsMode(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop().Sugar()

	cfg.Client.Mode = "mock"
	_, ok := NewClient(cfg, clock.Real(), log).(*mock.Client)
	assert.True(t, ok)

	cfg.Client.Mode = "bridge"
	_, ok = NewClient(cfg, clock.Real(), log).(*netclient.Sidecar)
	assert.True(t, ok)
}
