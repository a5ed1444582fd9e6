package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/store"
)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeFetcher serves a synthetic chat of `total` messages with strictly
// descending timestamps starting at `base`. Message ids encode the position
// ("m0" is newest), so the cursor alone determines where the next batch
// starts, exactly like the real anchor-based protocol. errs, keyed by call
// number (1-based), injects failures.
type fakeFetcher struct {
	mu      stdsync.Mutex
	total   int
	base    int64
	errs    map[int]error
	calls   int
	cursors []*Cursor
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	if err := f.errs[f.calls]; err != nil {
		return nil, err
	}

	start := 0
	if cursor != nil {
		idx, err := strconv.Atoi(strings.TrimPrefix(cursor.MessageID, "m"))
		if err != nil {
			return nil, fmt.Errorf("bad test cursor %q", cursor.MessageID)
		}
		start = idx + 1
	}
	var msgs []*store.Message
	for i := start; i < f.total && len(msgs) < count; i++ {
		msgs = append(msgs, &store.Message{
			ChatJID:     chatJID,
			MsgID:       fmt.Sprintf("m%d", i),
			SenderJID:   "peer@s.whatsapp.net",
			Body:        "msg",
			MessageType: "text",
			Timestamp:   f.base - int64(i),
			SyncSource:  store.SourceOnDemand,
		})
	}
	batch := &Batch{Messages: msgs}
	if len(msgs) > 0 {
		oldest := msgs[len(msgs)-1]
		batch.Cursor = &Cursor{MessageID: oldest.MsgID, Timestamp: oldest.Timestamp}
	}
	return batch, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fetcherFunc func(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error)

func (f fetcherFunc) FetchBatch(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error) {
	return f(ctx, chatJID, count, cursor)
}

// instantSleep skips pacing and backoff delays but still honors cancellation.
func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testCoordinator(t *testing.T, db *store.DB, f Fetcher) *Coordinator {
	t.Helper()
	c := NewCoordinator(db, f, config.Default().Sync, bus.New(), zap.NewNop())
	c.sleep = instantSleep
	return c
}

func TestRunCompletesAtTarget(t *testing.T) {
	db := testStore(t)
	f := &fakeFetcher{total: 1000, base: 100_000}
	c := testCoordinator(t, db, f)

	cp, err := c.Prepare("c@g.us", false)
	if err != nil {
		t.Fatal(err)
	}
	cp, err = c.Run(context.Background(), cp, 120)
	if err != nil {
		t.Fatal(err)
	}

	if cp.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", cp.Status)
	}
	if cp.MessagesSynced != 120 || cp.ProgressPercent != 100 {
		t.Errorf("synced=%d pct=%v, want 120/100", cp.MessagesSynced, cp.ProgressPercent)
	}
	count, _ := db.CountMessages()
	if count != 120 {
		t.Errorf("stored = %d, want 120", count)
	}
	// 50 + 50 + 20: the last batch is clamped to what remains of the target.
	if f.callCount() != 3 {
		t.Errorf("fetch calls = %d, want 3", f.callCount())
	}
	if cp.CursorMessageID != "m119" {
		t.Errorf("cursor = %s, want m119", cp.CursorMessageID)
	}
}

func TestRunCompletesOnExhaustedHistory(t *testing.T) {
	db := testStore(t)
	f := &fakeFetcher{total: 70, base: 100_000}
	c := testCoordinator(t, db, f)

	cp, _ := c.Prepare("c@g.us", false)
	cp, err := c.Run(context.Background(), cp, 500)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED on exhausted history", cp.Status)
	}
	if cp.MessagesSynced != 70 {
		t.Errorf("synced = %d, want 70", cp.MessagesSynced)
	}
	if cp.ProgressPercent != 100 {
		t.Errorf("pct = %v, want 100 even short of target", cp.ProgressPercent)
	}
}

func TestRunEmptyChatCompletesAtZero(t *testing.T) {
	db := testStore(t)
	c := testCoordinator(t, db, &fakeFetcher{total: 0})

	cp, _ := c.Prepare("empty@g.us", false)
	cp, err := c.Run(context.Background(), cp, 100)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusCompleted || cp.MessagesSynced != 0 {
		t.Errorf("empty chat: status=%s synced=%d, want COMPLETED/0", cp.Status, cp.MessagesSynced)
	}
}

func TestRunTransientErrorInterruptsAfterThreeAttempts(t *testing.T) {
	db := testStore(t)
	f := &fakeFetcher{
		total: 1000,
		base:  100_000,
		errs:  map[int]error{3: ErrTimeout, 4: ErrTimeout, 5: ErrTimeout},
	}
	c := testCoordinator(t, db, f)

	cp, _ := c.Prepare("c@g.us", false)
	cp, err := c.Run(context.Background(), cp, 1000)
	if err != nil {
		t.Fatal(err)
	}

	if cp.Status != StatusInterrupted {
		t.Fatalf("status = %s, want INTERRUPTED", cp.Status)
	}
	if cp.MessagesSynced != 100 || cp.CursorMessageID != "m99" {
		t.Errorf("checkpoint = synced:%d cursor:%s, want 100/m99", cp.MessagesSynced, cp.CursorMessageID)
	}
	if !strings.Contains(cp.ErrorMessage, "TIMEOUT") {
		t.Errorf("error message %q missing kind", cp.ErrorMessage)
	}
	// Two successful batches, then exactly three attempts. Never a fourth.
	if f.callCount() != 5 {
		t.Errorf("fetch calls = %d, want 5", f.callCount())
	}

	saved, _ := db.GetCheckpoint("c@g.us")
	if saved == nil || saved.Status != StatusInterrupted {
		t.Error("interrupted checkpoint not persisted")
	}
}

func TestRunResumeContinuesFromCursor(t *testing.T) {
	db := testStore(t)
	f := &fakeFetcher{
		total: 200,
		base:  100_000,
		errs:  map[int]error{2: ErrTimeout, 3: ErrTimeout, 4: ErrTimeout},
	}
	c := testCoordinator(t, db, f)

	cp, _ := c.Prepare("c@g.us", false)
	cp, err := c.Run(context.Background(), cp, 200)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusInterrupted || cp.MessagesSynced != 50 {
		t.Fatalf("first run: status=%s synced=%d, want INTERRUPTED/50", cp.Status, cp.MessagesSynced)
	}

	cp, err = c.Prepare("c@g.us", true)
	if err != nil {
		t.Fatal(err)
	}
	if cp.CursorMessageID != "m49" {
		t.Fatalf("resume lost cursor: %s", cp.CursorMessageID)
	}
	cp, err = c.Run(context.Background(), cp, 200)
	if err != nil {
		t.Fatal(err)
	}

	if cp.Status != StatusCompleted || cp.MessagesSynced != 200 {
		t.Errorf("resumed run: status=%s synced=%d, want COMPLETED/200", cp.Status, cp.MessagesSynced)
	}
	count, _ := db.CountMessages()
	if count != 200 {
		t.Errorf("stored = %d, want 200 with no duplicates", count)
	}

	// The first fetch after resume must anchor on the saved cursor.
	f.mu.Lock()
	resumeCursor := f.cursors[4]
	f.mu.Unlock()
	if resumeCursor == nil || resumeCursor.MessageID != "m49" {
		t.Errorf("resume anchored on %+v, want m49", resumeCursor)
	}
}

func TestRunNonTransientErrorFailsImmediately(t *testing.T) {
	db := testStore(t)
	f := &fakeFetcher{
		total: 1000,
		base:  100_000,
		errs:  map[int]error{1: errors.New("invalid key: message not found")},
	}
	c := testCoordinator(t, db, f)

	cp, _ := c.Prepare("c@g.us", false)
	cp, err := c.Run(context.Background(), cp, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", cp.Status)
	}
	if f.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1 (no retry on INVALID_KEY)", f.callCount())
	}
	if !strings.Contains(cp.ErrorMessage, "INVALID_KEY") {
		t.Errorf("error message %q missing kind", cp.ErrorMessage)
	}
}

func TestRunCancellationKeepsProgress(t *testing.T) {
	db := testStore(t)
	inner := &fakeFetcher{total: 1000, base: 100_000}
	started := make(chan struct{})
	var once stdsync.Once
	f := fetcherFunc(func(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error) {
		if cursor != nil {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return inner.FetchBatch(ctx, chatJID, count, cursor)
	})
	c := testCoordinator(t, db, f)

	cp, _ := c.Prepare("c@g.us", false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *store.Checkpoint, 1)
	go func() {
		out, err := c.Run(ctx, cp, 1000)
		if err != nil {
			t.Error(err)
		}
		done <- out
	}()

	<-started
	cancel()
	out := <-done

	if out.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", out.Status)
	}
	if out.MessagesSynced != 50 {
		t.Errorf("synced = %d, want the completed batch kept", out.MessagesSynced)
	}
	count, _ := db.CountMessages()
	if count != 50 {
		t.Errorf("stored = %d, want 50", count)
	}
}

func TestPrepareResetsFinishedCheckpoint(t *testing.T) {
	db := testStore(t)
	c := testCoordinator(t, db, &fakeFetcher{total: 10, base: 1000})

	seed := &store.Checkpoint{
		ChatJID:         "c@g.us",
		Status:          StatusCancelled,
		MessagesSynced:  40,
		CursorMessageID: "m39",
		CursorTimestamp: 500,
	}
	if err := db.UpsertCheckpoint(seed); err != nil {
		t.Fatal(err)
	}

	cp, err := c.Prepare("c@g.us", false)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusInProgress || cp.MessagesSynced != 0 || cp.CursorMessageID != "" {
		t.Errorf("fresh start kept old state: %+v", cp)
	}
}

func TestPrepareResumeRejectsCompleted(t *testing.T) {
	db := testStore(t)
	c := testCoordinator(t, db, &fakeFetcher{})

	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "c@g.us", Status: StatusCompleted})
	if _, err := c.Prepare("c@g.us", true); !errors.Is(err, ErrNotResumable) {
		t.Errorf("err = %v, want ErrNotResumable", err)
	}
}
