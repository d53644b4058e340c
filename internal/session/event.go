package session

// Signal classifies the lifecycle signals that move the state machine.
type Signal int

const (
	SignalCredential    Signal = iota // pairing code issued or rotated
	SignalAuthenticated                // code scanned, session still loading
	SignalReady                        // session fully usable
	SignalAuthFailure                  // pairing or restore rejected
	SignalDisconnected                 // connection dropped or logged out
)

var signalNames = map[Signal]string{
	SignalCredential:    "credential",
	SignalAuthenticated: "authenticated",
	SignalReady:         "ready",
	SignalAuthFailure:   "auth_failure",
	SignalDisconnected:  "disconnected",
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return "unknown"
}

// Transition is one lifecycle signal plus its payload.
type Transition struct {
	Signal     Signal
	Credential string // SignalCredential only
	Reason     string // SignalAuthFailure and SignalDisconnected
}

// Next applies t to cur and returns the resulting state. The network
// client is authoritative about the connection, so every signal is
// applied regardless of the current phase. The only rejected input is a
// credential signal without a credential. LastTransitionAt is left for
// the caller to set.
func Next(cur State, t Transition) (State, bool) {
	next := State{Phase: cur.Phase}

	switch t.Signal {
	case SignalCredential:
		if t.Credential == "" {
			return cur, false
		}
		next.Phase = AwaitingScan
		next.PendingCredential = t.Credential
		next.LastMessage = MessageScan
	case SignalAuthenticated:
		next.Phase = Authenticated
		next.LastMessage = MessageAuthenticated
	case SignalReady:
		next.Phase = Ready
		next.LastMessage = MessageReady
	case SignalAuthFailure:
		next.Phase = AuthFailed
		next.LastMessage = MessageAuthFailed
		next.LastReason = t.Reason
	case SignalDisconnected:
		next.Phase = Disconnected
		next.LastMessage = MessageDisconnected
		next.LastReason = t.Reason
	default:
		return cur, false
	}
	return next, true
}

// Fold applies ts left to right starting from an Idle state.
func Fold(ts []Transition) State {
	st := State{Phase: Idle}
	for _, t := range ts {
		if next, ok := Next(st, t); ok {
			st = next
		}
	}
	return st
}
