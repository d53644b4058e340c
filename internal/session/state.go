package session

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle state of the network connection.
type Phase int

const (
	Idle Phase = iota
	AwaitingScan
	Authenticated
	Ready
	Disconnected
	AuthFailed
)

var phaseNames = map[Phase]string{
	Idle:          "idle",
	AwaitingScan:  "awaiting_scan",
	Authenticated: "authenticated",
	Ready:         "ready",
	Disconnected:  "disconnected",
	AuthFailed:    "auth_failed",
}

var phaseFromName = map[string]Phase{
	"idle":          Idle,
	"awaiting_scan": AwaitingScan,
	"authenticated": Authenticated,
	"ready":         Ready,
	"disconnected":  Disconnected,
	"auth_failed":   AuthFailed,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// Status messages shown to the operator and to web observers.
const (
	MessageWaiting       = "Waiting for QR code generation..."
	MessageScan          = "Scan the QR code to link the bot"
	MessageAuthenticated = "Authenticated, loading session..."
	MessageReady         = "Bot is connected and ready!"
	MessageAuthFailed    = "Authentication failed. Please try again."
	MessageDisconnected  = "Connection lost. Refresh to generate a new QR code."
)

// State is a snapshot of the session. Values returned by the Store are
// copies and safe to retain.
type State struct {
	Phase             Phase     `json:"phase"`
	PendingCredential string    `json:"pendingCredential,omitempty"` // set only while AwaitingScan
	LastTransitionAt  time.Time `json:"lastTransitionAt"`
	LastMessage       string    `json:"lastMessage,omitempty"`
	LastReason        string    `json:"lastReason,omitempty"` // raw reason from the network client
}

// Authenticated reports whether the account has been linked, either
// still loading or fully ready.
func (s State) Authenticated() bool {
	return s.Phase == Authenticated || s.Phase == Ready
}

func (s State) IsReady() bool {
	return s.Phase == Ready
}

func (s State) HasCredential() bool {
	return s.PendingCredential != ""
}

// Failed reports whether the session ended in a recoverable error phase.
func (s State) Failed() bool {
	return s.Phase == Disconnected || s.Phase == AuthFailed
}
