package ws

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/session"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrHubClosed          = errors.New("hub closed")
)

const (
	defaultSendBuffer = 16
	writeWait         = 10 * time.Second
)

// StateSource supplies the current session state.
type StateSource interface {
	Snapshot() session.State
}

// Observer is one connected realtime client.
type Observer struct {
	ID          string
	ConnectedAt time.Time
	RemoteAddr  string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Transition time of the newest state this observer has been sent.
	// Guarded by hub.mu.
	lastSent time.Time
}

func (o *Observer) writePump(pingInterval time.Duration) {
	defer o.conn.Close()

	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				o.hub.RemoveObserver(o)
				return
			}
		case <-tick:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				o.hub.RemoveObserver(o)
				return
			}
		}
	}
}

type HubConfig struct {
	MaxConnections int // 0 = unlimited
	PingInterval   time.Duration
	SendBuffer     int
}

// Hub fans session state out to observers. Every send happens under mu,
// so a state change and an observer joining or leaving never interleave:
// each observer sees each state at most once, never goes backwards, and a
// removed observer is never written to.
type Hub struct {
	cfg    HubConfig
	source StateSource
	clock  clock.Clock
	log    *zap.SugaredLogger

	mu        sync.Mutex
	observers map[*Observer]struct{}
	closed    bool
}

func NewHub(cfg HubConfig, source StateSource, clk clock.Clock, log *zap.SugaredLogger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		cfg:       cfg,
		source:    source,
		clock:     clk,
		log:       log,
		observers: make(map[*Observer]struct{}),
	}
}

// AddObserver registers conn and queues exactly one sync event for it.
func (h *Hub) AddObserver(conn *websocket.Conn) (*Observer, error) {
	o := &Observer{
		ID:          uuid.NewString(),
		ConnectedAt: h.clock.Now(),
		RemoteAddr:  conn.RemoteAddr().String(),
		conn:        conn,
		hub:         h,
		send:        make(chan []byte, h.cfg.SendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.cfg.MaxConnections > 0 && len(h.observers) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	h.observers[o] = struct{}{}
	h.syncLocked(o)
	h.mu.Unlock()

	go o.writePump(h.cfg.PingInterval)
	h.log.Infow("observer connected", "id", o.ID, "remote", o.RemoteAddr)
	return o, nil
}

// Resync sends o the event for the current state, even if o has already
// seen it.
func (h *Hub) Resync(o *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o]; !ok {
		return
	}
	h.syncLocked(o)
}

func (h *Hub) syncLocked(o *Observer) {
	st := h.source.Snapshot()
	data, err := json.Marshal(SyncEventFor(st))
	if err != nil {
		h.log.Errorw("marshal sync event", "error", err)
		return
	}
	if !h.enqueueLocked(o, data) {
		return
	}
	// A sync event that differs from the broadcast for st (failed phases)
	// does not count as delivering st; the broadcast still follows.
	if !st.LastTransitionAt.After(o.lastSent) {
		return
	}
	if bc, err := json.Marshal(EventFor(st)); err == nil && bytes.Equal(bc, data) {
		o.lastSent = st.LastTransitionAt
	}
}

// OnStateChanged broadcasts the event for st to every observer that has
// not already been sent st or something newer.
func (h *Hub) OnStateChanged(st session.State) {
	data, err := json.Marshal(EventFor(st))
	if err != nil {
		h.log.Errorw("marshal state event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.observers {
		if !st.LastTransitionAt.After(o.lastSent) {
			continue
		}
		if h.enqueueLocked(o, data) {
			o.lastSent = st.LastTransitionAt
		}
	}
}

// enqueueLocked queues data for o. An observer whose queue is full is
// disconnected; it resyncs when it reconnects.
func (h *Hub) enqueueLocked(o *Observer, data []byte) bool {
	select {
	case o.send <- data:
		return true
	default:
		h.log.Warnw("observer too slow, disconnecting", "id", o.ID)
		h.removeLocked(o)
		return false
	}
}

// RemoveObserver unregisters o. Safe to call more than once.
func (h *Hub) RemoveObserver(o *Observer) {
	h.mu.Lock()
	removed := h.removeLocked(o)
	h.mu.Unlock()
	if removed {
		h.log.Infow("observer disconnected", "id", o.ID, "remote", o.RemoteAddr)
	}
}

func (h *Hub) removeLocked(o *Observer) bool {
	if _, ok := h.observers[o]; !ok {
		return false
	}
	delete(h.observers, o)
	close(o.send)
	return true
}

func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for o := range h.observers {
		h.removeLocked(o)
	}
}
