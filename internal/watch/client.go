// Package watch is a terminal observer for a running bot: it follows the
// realtime feed and shows the pairing code and connection status.
package watch

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pairbot/backend/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 90 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// Client manages the realtime connection to the bot.
type Client struct {
	url string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises conn writes (ping, getQR)
	conn    *websocket.Conn
	pingCtx context.CancelFunc
}

// NewClient returns a client for the bot's /ws endpoint. A non-empty
// token is sent as the token query parameter.
func NewClient(wsURL, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", wsURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("url %s: scheme must be ws or wss", wsURL)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return &Client{url: u.String()}, nil
}

// ConnectedMsg is sent when the connection is up.
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops.
type DisconnectedMsg struct{ Err error }

// QRCodeMsg carries a pending pairing code.
type QRCodeMsg struct{ Payload ws.QRCodePayload }

// StatusMsg carries a status event.
type StatusMsg struct{ Payload ws.StatusPayload }

// Listen returns a command that dials until it connects, backing off
// exponentially between failures, or until ctx is done.
func (c *Client) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err == nil {
				c.mu.Lock()
				if c.pingCtx != nil {
					c.pingCtx()
				}
				pingCtx, pingCancel := context.WithCancel(ctx)
				c.conn = conn
				c.pingCtx = pingCancel
				c.mu.Unlock()

				go c.pingLoop(pingCtx, conn)
				return ConnectedMsg{}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
	}
}

// ReadLoop returns a command that reads until the next event the model
// cares about, or until the connection drops.
func (c *Client) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})

		for {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return DisconnectedMsg{Err: err}
			}

			if msg := decode(data); msg != nil {
				return msg
			}
		}
	}
}

func decode(data []byte) tea.Msg {
	var env struct {
		Event ws.EventName    `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	switch env.Event {
	case ws.EventQRCode:
		var p ws.QRCodePayload
		if json.Unmarshal(env.Data, &p) == nil {
			return QRCodeMsg{Payload: p}
		}
	case ws.EventStatus:
		var p ws.StatusPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return StatusMsg{Payload: p}
		}
	}
	return nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// RequestQR asks the bot to resend the current state.
func (c *Client) RequestQR() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ws.Message{Event: ws.EventGetQR})
}

// Close drops the current connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingCtx != nil {
		c.pingCtx()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
