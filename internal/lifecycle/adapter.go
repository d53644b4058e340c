// Package lifecycle turns network client events into session transitions
// and routes inbound messages to the dispatcher.
package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/netclient"
	"github.com/pairbot/backend/internal/session"
)

// Notifier is told about every accepted transition.
type Notifier interface {
	OnStateChanged(st session.State)
}

// Renderer shows lifecycle progress to the operator.
type Renderer interface {
	RenderCredential(code string)
	RenderStatus(st session.State)
}

// Dispatcher receives inbound messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg netclient.Message)
}

type Adapter struct {
	store      *session.Store
	notifier   Notifier
	renderer   Renderer
	dispatcher Dispatcher
	log        *zap.SugaredLogger
}

func NewAdapter(store *session.Store, n Notifier, r Renderer, d Dispatcher, log *zap.SugaredLogger) *Adapter {
	return &Adapter{
		store:      store,
		notifier:   n,
		renderer:   r,
		dispatcher: d,
		log:        log,
	}
}

// Run handles events one at a time in delivery order until ctx is done
// or events is closed.
func (a *Adapter) Run(ctx context.Context, events <-chan netclient.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.Handle(ctx, ev)
		}
	}
}

// Handle processes a single event.
func (a *Adapter) Handle(ctx context.Context, ev netclient.Event) {
	if ev.Type == netclient.EventMessage {
		a.dispatcher.Dispatch(ctx, ev.Message)
		return
	}

	t, ok := transitionFor(ev)
	if !ok {
		a.log.Warnw("ignoring unknown client event", "type", ev.Type.String())
		return
	}

	st, accepted := a.store.Apply(t)
	if !accepted {
		a.log.Warnw("transition rejected", "signal", t.Signal.String())
		return
	}

	switch st.Phase {
	case session.AwaitingScan:
		a.log.Infow("QR RECEIVED", "phase", st.Phase.String())
		a.renderer.RenderCredential(st.PendingCredential)
	case session.AuthFailed, session.Disconnected:
		a.log.Warnw(st.LastMessage, "phase", st.Phase.String(), "reason", st.LastReason)
		a.renderer.RenderStatus(st)
	default:
		a.log.Infow(st.LastMessage, "phase", st.Phase.String())
		a.renderer.RenderStatus(st)
	}

	a.notifier.OnStateChanged(st)
}

func transitionFor(ev netclient.Event) (session.Transition, bool) {
	switch ev.Type {
	case netclient.EventCredential:
		return session.Transition{Signal: session.SignalCredential, Credential: ev.Credential}, true
	case netclient.EventAuthenticated:
		return session.Transition{Signal: session.SignalAuthenticated}, true
	case netclient.EventReady:
		return session.Transition{Signal: session.SignalReady}, true
	case netclient.EventAuthFailure:
		return session.Transition{Signal: session.SignalAuthFailure, Reason: ev.Reason}, true
	case netclient.EventDisconnected:
		return session.Transition{Signal: session.SignalDisconnected, Reason: ev.Reason}, true
	}
	return session.Transition{}, false
}
