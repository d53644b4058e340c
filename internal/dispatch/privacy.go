package dispatch

import (
	"crypto/sha256"
	"fmt"
	"path"
)

// SenderFilter decides which senders the bot talks to and how they appear
// in logs. The zero value allows everyone and masks nothing.
type SenderFilter struct {
	MaskSenders    bool
	AllowedSenders []string // path.Match patterns, e.g. "*@c.us"
	BlockedSenders []string
}

// IsAllowed reports whether messages from sender should be answered.
// When AllowedSenders is non-empty the sender must match one of its
// patterns; it must then not match any BlockedSenders pattern.
func (f SenderFilter) IsAllowed(sender string) bool {
	if len(f.AllowedSenders) > 0 && !matchAny(f.AllowedSenders, sender) {
		return false
	}
	return !matchAny(f.BlockedSenders, sender)
}

// Mask returns sender as it should be logged.
func (f SenderFilter) Mask(sender string) string {
	if !f.MaskSenders || sender == "" {
		return sender
	}
	return shortHash(sender)
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if matched, _ := path.Match(p, s); matched {
			return true
		}
	}
	return false
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
