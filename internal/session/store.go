package session

import (
	"sync"
	"time"

	"github.com/pairbot/backend/internal/clock"
)

// Store holds the single session state of the process. Apply is the only
// mutator; readers always receive a copy, so no reader ever sees a
// half-applied transition.
type Store struct {
	mu    sync.RWMutex
	state State
	clock clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		state: State{Phase: Idle, LastTransitionAt: clk.Now()},
		clock: clk,
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply runs t through the transition table. It returns the resulting
// state and whether the transition was accepted; a rejected transition
// leaves the store untouched.
func (s *Store) Apply(t Transition) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := Next(s.state, t)
	if !ok {
		return s.state, false
	}

	// LastTransitionAt must strictly increase even when the clock has
	// not moved (coarse clocks, fake clocks).
	now := s.clock.Now()
	if !now.After(s.state.LastTransitionAt) {
		now = s.state.LastTransitionAt.Add(time.Nanosecond)
	}
	next.LastTransitionAt = now

	s.state = next
	return next, true
}
