// Package netclient defines the boundary to the messaging network client.
//
// The protocol client is a black box: it pushes typed lifecycle and
// message events onto a channel, accepts replies, and has a start and a
// release step. The bot never registers callbacks on it; a single loop
// consumes Events() in delivery order.
package netclient

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotRunning     = errors.New("network client is not running")
	ErrAlreadyRunning = errors.New("network client is already running")
)

type EventType int

const (
	EventCredential EventType = iota
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
	EventMessage
)

var eventTypeNames = map[EventType]string{
	EventCredential:    "credential",
	EventAuthenticated: "authenticated",
	EventReady:         "ready",
	EventAuthFailure:   "auth_failure",
	EventDisconnected:  "disconnected",
	EventMessage:       "message",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Message is an inbound chat message.
type Message struct {
	ID        string
	From      string
	Body      string
	Timestamp time.Time
}

// Event is one notification from the network client.
type Event struct {
	Type       EventType
	Credential string  // EventCredential
	Reason     string  // EventAuthFailure, EventDisconnected
	Message    Message // EventMessage
}

// Client is the capability surface of the network client.
type Client interface {
	// Events delivers lifecycle and message events in order. The channel
	// outlives individual Initialize attempts.
	Events() <-chan Event

	// Initialize starts the client. It may fail and may be retried.
	Initialize(ctx context.Context) error

	// Reply answers msg with text and reports whether the send succeeded.
	Reply(ctx context.Context, msg Message, text string) error

	// Destroy releases the client's resources. It may fail; callers
	// proceed with shutdown either way.
	Destroy(ctx context.Context) error
}
