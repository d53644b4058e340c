package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/netclient"
)

// Config shapes the simulated pairing flow.
type Config struct {
	ScanDelay        time.Duration // time from first code until the "scan" succeeds
	RotateInterval   time.Duration // how often an unscanned code is replaced
	MessageInterval  time.Duration // gap between scripted inbound messages
	FailInitAttempts int           // number of leading Initialize calls that fail
	Script           []netclient.Message
}

// DefaultScript is the inbound traffic the mock plays after pairing.
var DefaultScript = []netclient.Message{
	{From: "user1@c.us", Body: "!help"},
	{From: "status@broadcast", Body: "story update"},
	{From: "user2@c.us", Body: "How much does it cost?"},
	{From: "user1@c.us", Body: "thanks!"},
	{From: "user3@c.us", Body: "!time"},
}

// Reply is a reply the bot sent through the mock.
type Reply struct {
	To        string
	MessageID string
	Text      string
}

// Client is a netclient.Client that fakes the network: it hands out
// rotating pairing codes, "scans" one after ScanDelay, then plays Script
// in a loop. All timing goes through the injected clock.
type Client struct {
	cfg   Config
	clock clock.Clock
	log   *zap.SugaredLogger

	events chan netclient.Event
	done   chan struct{}

	mu          sync.Mutex
	attempts    int
	running     bool
	replies     []Reply
	destroyOnce sync.Once
	wg          sync.WaitGroup
}

func NewClient(cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Client {
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = 20 * time.Second
	}
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = 15 * time.Second
	}
	if cfg.Script == nil {
		cfg.Script = DefaultScript
	}
	return &Client{
		cfg:    cfg,
		clock:  clk,
		log:    log,
		events: make(chan netclient.Event, 16),
		done:   make(chan struct{}),
	}
}

func (c *Client) Events() <-chan netclient.Event {
	return c.events
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return netclient.ErrNotRunning
	default:
	}
	if c.running {
		return netclient.ErrAlreadyRunning
	}

	c.attempts++
	if c.attempts <= c.cfg.FailInitAttempts {
		return errors.Errorf("mock: simulated startup failure (attempt %d)", c.attempts)
	}

	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	c.log.Infow("mock network client started", "attempt", c.attempts)
	return nil
}

// Attempts reports how many times Initialize has been called.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) Reply(ctx context.Context, msg netclient.Message, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return netclient.ErrNotRunning
	}
	c.replies = append(c.replies, Reply{To: msg.From, MessageID: msg.ID, Text: text})
	c.log.Debugw("mock reply", "to", msg.From, "text", text)
	return nil
}

// Replies returns a copy of every reply sent so far.
func (c *Client) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out
}

func (c *Client) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) run() {
	if !c.emit(netclient.Event{Type: netclient.EventCredential, Credential: newCredential()}) {
		return
	}

	var waited time.Duration
	for waited+c.cfg.RotateInterval < c.cfg.ScanDelay {
		if !c.sleep(c.cfg.RotateInterval) {
			return
		}
		waited += c.cfg.RotateInterval
		if !c.emit(netclient.Event{Type: netclient.EventCredential, Credential: newCredential()}) {
			return
		}
	}
	if !c.sleep(c.cfg.ScanDelay - waited) {
		return
	}
	if !c.emit(netclient.Event{Type: netclient.EventAuthenticated}) {
		return
	}
	if !c.emit(netclient.Event{Type: netclient.EventReady}) {
		return
	}

	if len(c.cfg.Script) == 0 {
		return
	}
	for i := 0; ; i++ {
		if !c.sleep(c.cfg.MessageInterval) {
			return
		}
		msg := c.cfg.Script[i%len(c.cfg.Script)]
		msg.ID = fmt.Sprintf("mock-%d", i+1)
		msg.Timestamp = c.clock.Now()
		if !c.emit(netclient.Event{Type: netclient.EventMessage, Message: msg}) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-c.clock.After(d):
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) emit(ev netclient.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func newCredential() string {
	return "2@" + uuid.NewString()
}
