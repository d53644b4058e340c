// Package dispatch decides what happens to each inbound message: broadcast
// noise is dropped, everything else goes through the responder and, when
// it has something to say, back out as a reply.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pairbot/backend/internal/config"
	"github.com/pairbot/backend/internal/netclient"
	"github.com/pairbot/backend/internal/responder"
)

// Outcome classifies how a message was handled.
type Outcome int

const (
	Filtered Outcome = iota // broadcast pseudo-sender or a filtered sender
	NoReply                 // responder had nothing to say
	Replied
	Failed  // reply or responder failed
	Dropped // too many replies in flight, or shutting down
)

var outcomeNames = [...]string{"filtered", "no_reply", "replied", "failed", "dropped"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the per-message record of what the dispatcher did.
type Result struct {
	Message netclient.Message
	Outcome Outcome
	Reply   string
	Err     error
}

// Replier sends a reply to an inbound message.
type Replier interface {
	Reply(ctx context.Context, msg netclient.Message, text string) error
}

type Option func(*Dispatcher)

// WithResultHook registers fn to be called with every Result.
func WithResultHook(fn func(Result)) Option {
	return func(d *Dispatcher) { d.onResult = fn }
}

type Dispatcher struct {
	broadcastSender string
	senders         SenderFilter
	replyTimeout    time.Duration
	responder       responder.Responder
	replier         Replier
	log             *zap.SugaredLogger
	onResult        func(Result)

	// ctx outlives the event loop so replies accepted before shutdown can
	// finish; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	mu     sync.Mutex
	closed bool
}

func New(cfg config.DispatchConfig, r responder.Responder, rep Replier, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		broadcastSender: cfg.BroadcastSender,
		replyTimeout:    cfg.ReplyTimeout,
		responder:       r,
		replier:         rep,
		log:             log,
		senders: SenderFilter{
			MaskSenders:    cfg.MaskSenders,
			AllowedSenders: cfg.AllowedSenders,
			BlockedSenders: cfg.BlockedSenders,
		},
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if d.broadcastSender == "" {
		d.broadcastSender = config.DefaultBroadcastSender
	}
	limit := cfg.MaxInflight
	if limit <= 0 {
		limit = 1
	}
	d.group.SetLimit(limit)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch hands msg to a background worker so the caller's event loop
// never waits on reply I/O. When every worker slot is busy the message is
// dropped with a Dropped result. Accepted messages run on the dispatcher's
// own context, not ctx; a cancelled ctx only rejects msg.
func (d *Dispatcher) Dispatch(ctx context.Context, msg netclient.Message) {
	d.mu.Lock()
	var err error
	switch {
	case d.closed:
		err = errors.New("dispatcher closed")
	case ctx.Err() != nil:
		err = errors.Wrap(ctx.Err(), "shutting down")
	case !d.group.TryGo(func() error {
		d.Handle(d.ctx, msg)
		return nil
	}):
		err = errors.New("too many replies in flight")
	}
	d.mu.Unlock()

	if err != nil {
		d.finish(Result{Message: msg, Outcome: Dropped, Err: err})
	}
}

// Handle processes one message synchronously. It never panics and never
// returns an error; failures are reported in the Result.
func (d *Dispatcher) Handle(ctx context.Context, msg netclient.Message) (res Result) {
	res.Message = msg
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = Failed
			res.Err = errors.Errorf("panic handling message: %v", r)
		}
		d.finish(res)
	}()

	if msg.From == d.broadcastSender {
		res.Outcome = Filtered
		return res
	}

	from := d.senders.Mask(msg.From)
	if !d.senders.IsAllowed(msg.From) {
		d.log.Debugw("ignoring filtered sender", "from", from)
		res.Outcome = Filtered
		return res
	}

	d.log.Infof("Message from %s: %s", from, msg.Body)

	reply, ok := d.responder.Respond(ctx, msg.Body)
	if !ok {
		res.Outcome = NoReply
		return res
	}
	res.Reply = reply

	replyCtx := ctx
	if d.replyTimeout > 0 {
		var cancel context.CancelFunc
		replyCtx, cancel = context.WithTimeout(ctx, d.replyTimeout)
		defer cancel()
	}
	if err := d.replier.Reply(replyCtx, msg, reply); err != nil {
		res.Outcome = Failed
		res.Err = errors.Wrapf(err, "replying to %s", from)
		return res
	}
	res.Outcome = Replied
	return res
}

// Close stops accepting new messages and waits for in-flight replies to
// finish. If ctx ends first the remaining replies are cancelled and Close
// still waits for their workers to return.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

func (d *Dispatcher) finish(res Result) {
	from := d.senders.Mask(res.Message.From)
	switch res.Outcome {
	case Failed:
		d.log.Errorw("message handling failed", "from", from, "id", res.Message.ID, "error", res.Err)
	case Dropped:
		d.log.Warnw("message dropped", "from", from, "id", res.Message.ID, "reason", res.Err)
	case Replied:
		d.log.Debugw("replied", "to", from, "id", res.Message.ID)
	}
	if d.onResult != nil {
		d.onResult(res)
	}
}
