package ws

import (
	"encoding/json"

	"github.com/pairbot/backend/internal/session"
)

// EventName is the "event" field of a realtime envelope.
type EventName string

const (
	EventQRCode EventName = "qrCode" // server -> observer
	EventStatus EventName = "status" // server -> observer
	EventGetQR  EventName = "getQR"  // observer -> server
)

// Status values carried by a status event.
const (
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
	StatusWaiting      = "waiting"
)

const qrPending = "pending"

// Message is the wire envelope for every realtime event.
type Message struct {
	Event EventName   `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// inbound is the decoding side of Message.
type inbound struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type QRCodePayload struct {
	QR     string `json:"qr"`
	Status string `json:"status"`
}

type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Ready   bool   `json:"ready,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Ready         bool   `json:"ready"`
	HasQR         bool   `json:"hasQR"`
	Timestamp     string `json:"timestamp"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status       string        `json:"status"`
	Phase        session.Phase `json:"phase"`
	Observers    int           `json:"observers"`
	InitAttempts int           `json:"initAttempts"`
}

// EventFor is the event broadcast when the session enters st.
func EventFor(st session.State) Message {
	switch st.Phase {
	case session.AwaitingScan:
		return qrCodeEvent(st.PendingCredential)
	case session.Ready:
		return statusEvent(StatusConnected, st.LastMessage, true)
	case session.AuthFailed:
		return statusEvent(StatusError, st.LastMessage, false)
	case session.Disconnected:
		return statusEvent(StatusDisconnected, st.LastMessage, false)
	}
	return statusEvent(StatusWaiting, waitingMessage(st), false)
}

// SyncEventFor is the event that brings a newly connected (or asking)
// observer up to date with st.
func SyncEventFor(st session.State) Message {
	switch {
	case st.IsReady():
		return statusEvent(StatusConnected, st.LastMessage, true)
	case st.HasCredential():
		return qrCodeEvent(st.PendingCredential)
	}
	return statusEvent(StatusWaiting, waitingMessage(st), false)
}

func waitingMessage(st session.State) string {
	if st.Phase == session.Authenticated && st.LastMessage != "" {
		return st.LastMessage
	}
	return session.MessageWaiting
}

func qrCodeEvent(qr string) Message {
	return Message{Event: EventQRCode, Data: QRCodePayload{QR: qr, Status: qrPending}}
}

func statusEvent(status, message string, ready bool) Message {
	return Message{Event: EventStatus, Data: StatusPayload{Status: status, Message: message, Ready: ready}}
}
