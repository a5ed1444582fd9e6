package sync

import (
	"context"
	"errors"
	"strings"

	"go.mau.fi/whatsmeow"
)

// Kind classifies a sync-loop failure. Transient kinds are retried with
// backoff and demote the checkpoint to INTERRUPTED on exhaustion; the rest
// go straight to FAILED since retrying the same cursor cannot succeed.
type Kind string

const (
	KindTimeout      Kind = "TIMEOUT"
	KindRateLimit    Kind = "RATE_LIMIT"
	KindDisconnected Kind = "DISCONNECTED"
	KindInvalidKey   Kind = "INVALID_KEY"
	KindUnknown      Kind = "UNKNOWN"
)

var (
	// ErrTimeout means no on-demand history delivery arrived within the bound.
	ErrTimeout = errors.New("timed out waiting for history delivery")
	// ErrAlreadySyncing means the chat already has an active sync.
	ErrAlreadySyncing = errors.New("sync already active for chat")
	// ErrNotResumable means resume was requested outside INTERRUPTED/FAILED.
	ErrNotResumable = errors.New("checkpoint is not resumable")
	// ErrNoActiveSync means cancel/status was requested for an unknown or finished sync.
	ErrNoActiveSync = errors.New("no active sync for chat")
)

// Transient reports whether a retry with the same cursor can plausibly succeed.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindRateLimit || k == KindDisconnected
}

// Classify maps an error from the fetch adapter or the store into the
// failure taxonomy. Unrecognized errors are KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, whatsmeow.ErrNotConnected) {
		return KindDisconnected
	}
	if errors.Is(err, whatsmeow.ErrIQRateOverLimit) {
		return KindRateLimit
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate-overlimit") || strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "not connected") || strings.Contains(msg, "websocket disconnected"):
		return KindDisconnected
	case strings.Contains(msg, "invalid key") || strings.Contains(msg, "unknown message"):
		return KindInvalidKey
	default:
		return KindUnknown
	}
}
