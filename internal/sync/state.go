package sync

import (
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/wahist/internal/store"
)

// Checkpoint statuses. COMPLETED, FAILED and CANCELLED are terminal, except
// that FAILED may be re-entered via an explicit resume.
const (
	StatusNotStarted  = "NOT_STARTED"
	StatusInProgress  = "IN_PROGRESS"
	StatusCompleted   = "COMPLETED"
	StatusInterrupted = "INTERRUPTED"
	StatusFailed      = "FAILED"
	StatusCancelled   = "CANCELLED"
)

// validTransitions defines the allowed checkpoint transitions. Anything not
// in this table is rejected without mutating the checkpoint.
var validTransitions = map[string][]string{
	StatusNotStarted:  {StatusInProgress},
	StatusInProgress:  {StatusCompleted, StatusInterrupted, StatusFailed, StatusCancelled},
	StatusInterrupted: {StatusInProgress, StatusCancelled},
	StatusFailed:      {StatusInProgress},
}

// IsTerminal reports whether a status admits no further sync activity
// (short of an explicit resume from FAILED).
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Transition moves a checkpoint to a new status, consulting the transition
// table. Invalid transitions return an error and leave the checkpoint
// untouched. CompletedAt is stamped on entry to COMPLETED.
func Transition(cp *store.Checkpoint, to string) error {
	allowed := validTransitions[cp.Status]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid checkpoint transition from %s to %s", cp.Status, to)
	}
	cp.Status = to
	if to == StatusCompleted {
		cp.CompletedAt = time.Now().Unix()
	}
	return nil
}

// Resume transitions an INTERRUPTED or FAILED checkpoint back to
// IN_PROGRESS and clears the prior error message.
func Resume(cp *store.Checkpoint) error {
	if cp.Status != StatusInterrupted && cp.Status != StatusFailed {
		return fmt.Errorf("%w: status is %s", ErrNotResumable, cp.Status)
	}
	if err := Transition(cp, StatusInProgress); err != nil {
		return err
	}
	cp.ErrorMessage = ""
	return nil
}

// Advance records one processed batch on an IN_PROGRESS checkpoint: cursor
// moves to the batch's oldest message, the counter grows, and the progress
// estimate is recomputed against maxMessages (an estimate by design — the
// chat's true history size is unknown). Calling this in any other state is
// a programming error.
func Advance(cp *store.Checkpoint, cursor *Cursor, n, maxMessages int) error {
	if cp.Status != StatusInProgress {
		return fmt.Errorf("progress update on checkpoint in state %s", cp.Status)
	}
	cp.MessagesSynced += n
	if cursor != nil {
		cp.CursorMessageID = cursor.MessageID
		cp.CursorTimestamp = cursor.Timestamp
		cp.CursorFromMe = cursor.FromMe
	}
	pct := float64(cp.MessagesSynced) / float64(maxMessages) * 100
	if pct > 100 {
		pct = 100
	}
	cp.ProgressPercent = pct
	return nil
}
