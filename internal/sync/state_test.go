package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"

	"github.com/matheus3301/wahist/internal/store"
)

func TestTransitionTable(t *testing.T) {
	statuses := []string{
		StatusNotStarted, StatusInProgress, StatusCompleted,
		StatusInterrupted, StatusFailed, StatusCancelled,
	}
	allowed := map[[2]string]bool{
		{StatusNotStarted, StatusInProgress}:  true,
		{StatusInProgress, StatusCompleted}:   true,
		{StatusInProgress, StatusInterrupted}: true,
		{StatusInProgress, StatusFailed}:      true,
		{StatusInProgress, StatusCancelled}:   true,
		{StatusInterrupted, StatusInProgress}: true,
		{StatusInterrupted, StatusCancelled}:  true,
		{StatusFailed, StatusInProgress}:      true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			cp := &store.Checkpoint{ChatJID: "c@g.us", Status: from}
			err := Transition(cp, to)
			if allowed[[2]string{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				if cp.Status != to {
					t.Errorf("%s -> %s: status = %s", from, to, cp.Status)
				}
			} else {
				if err == nil {
					t.Errorf("%s -> %s: expected rejection", from, to)
				}
				if cp.Status != from {
					t.Errorf("%s -> %s: rejected transition mutated status to %s", from, to, cp.Status)
				}
			}
		}
	}
}

func TestTransitionStampsCompletedAt(t *testing.T) {
	cp := &store.Checkpoint{ChatJID: "c@g.us", Status: StatusInProgress}
	if err := Transition(cp, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if cp.CompletedAt == 0 {
		t.Error("completed_at not stamped")
	}
}

func TestResumeClearsError(t *testing.T) {
	cp := &store.Checkpoint{
		ChatJID:      "c@g.us",
		Status:       StatusInterrupted,
		ErrorMessage: "TIMEOUT: deadline exceeded",
	}
	if err := Resume(cp); err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusInProgress || cp.ErrorMessage != "" {
		t.Errorf("after resume: status=%s error=%q", cp.Status, cp.ErrorMessage)
	}
}

func TestResumeRejectsNonResumable(t *testing.T) {
	for _, status := range []string{StatusNotStarted, StatusInProgress, StatusCompleted, StatusCancelled} {
		cp := &store.Checkpoint{ChatJID: "c@g.us", Status: status}
		if err := Resume(cp); !errors.Is(err, ErrNotResumable) {
			t.Errorf("resume from %s: err = %v, want ErrNotResumable", status, err)
		}
	}
}

func TestAdvance(t *testing.T) {
	cp := &store.Checkpoint{ChatJID: "c@g.us", Status: StatusInProgress}
	cur := &Cursor{MessageID: "m49", Timestamp: 1000, FromMe: true}
	if err := Advance(cp, cur, 50, 200); err != nil {
		t.Fatal(err)
	}
	if cp.MessagesSynced != 50 || cp.CursorMessageID != "m49" || !cp.CursorFromMe {
		t.Errorf("advance: %+v", cp)
	}
	if cp.ProgressPercent != 25 {
		t.Errorf("progress = %v, want 25", cp.ProgressPercent)
	}

	// Progress is an estimate and must never exceed 100.
	if err := Advance(cp, cur, 500, 200); err != nil {
		t.Fatal(err)
	}
	if cp.ProgressPercent != 100 {
		t.Errorf("progress = %v, want capped at 100", cp.ProgressPercent)
	}
}

func TestAdvanceRejectsIdleCheckpoint(t *testing.T) {
	cp := &store.Checkpoint{ChatJID: "c@g.us", Status: StatusInterrupted}
	if err := Advance(cp, nil, 10, 100); err == nil {
		t.Error("expected rejection outside IN_PROGRESS")
	}
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrTimeout, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{whatsmeow.ErrNotConnected, KindDisconnected},
		{whatsmeow.ErrIQRateOverLimit, KindRateLimit},
		{errors.New("server returned rate-overlimit"), KindRateLimit},
		{errors.New("websocket disconnected before response"), KindDisconnected},
		{errors.New("invalid key: message not found on phone"), KindInvalidKey},
		{errors.New("something else entirely"), KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestKindTransient(t *testing.T) {
	for kind, want := range map[Kind]bool{
		KindTimeout:      true,
		KindRateLimit:    true,
		KindDisconnected: true,
		KindInvalidKey:   false,
		KindUnknown:      false,
	} {
		if kind.Transient() != want {
			t.Errorf("%s.Transient() = %v, want %v", kind, kind.Transient(), want)
		}
	}
}
