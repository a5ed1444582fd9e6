package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/store"
)

func testOrchestrator(t *testing.T, db *store.DB, f Fetcher) *Orchestrator {
	t.Helper()
	c := NewCoordinator(db, f, config.Default().Sync, bus.New(), zap.NewNop())
	c.sleep = instantSleep
	o := NewOrchestrator(db, c, NewRegistry(), zap.NewNop())
	t.Cleanup(o.Shutdown)
	return o
}

// waitIdle blocks until no sync is in flight.
func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for o.reg.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("syncs still active: %v", o.reg.ActiveJIDs())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// gate blocks FetchBatch for the given chats until released, delegating
// everything else to inner.
type gate struct {
	inner   Fetcher
	blocked map[string]bool
	release chan struct{}
	started chan string
}

func newGate(inner Fetcher, chats ...string) *gate {
	g := &gate{
		inner:   inner,
		blocked: make(map[string]bool),
		release: make(chan struct{}),
		started: make(chan string, len(chats)),
	}
	for _, c := range chats {
		g.blocked[c] = true
	}
	return g
}

func (g *gate) FetchBatch(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error) {
	if g.blocked[chatJID] {
		select {
		case g.started <- chatJID:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.FetchBatch(ctx, chatJID, count, cursor)
}

func TestStartRunsToCompletion(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{total: 500, base: 100_000})

	h, cp, err := o.Start("c@g.us", 120, false)
	if err != nil {
		t.Fatal(err)
	}
	if h.SyncID == "" {
		t.Error("missing sync id")
	}
	if cp.Status != StatusInProgress {
		t.Errorf("initial status = %s, want IN_PROGRESS", cp.Status)
	}

	waitIdle(t, o)
	saved, _ := db.GetCheckpoint("c@g.us")
	if saved.Status != StatusCompleted || saved.MessagesSynced != 120 {
		t.Errorf("final: %s/%d, want COMPLETED/120", saved.Status, saved.MessagesSynced)
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	db := testStore(t)
	g := newGate(&fakeFetcher{total: 500, base: 100_000}, "c@g.us")
	o := testOrchestrator(t, db, g)

	if _, _, err := o.Start("c@g.us", 100, false); err != nil {
		t.Fatal(err)
	}
	<-g.started

	if _, _, err := o.Start("c@g.us", 100, false); !errors.Is(err, ErrAlreadySyncing) {
		t.Errorf("second start: err = %v, want ErrAlreadySyncing", err)
	}

	close(g.release)
	waitIdle(t, o)
}

func TestCancelLiveSync(t *testing.T) {
	db := testStore(t)
	g := newGate(&fakeFetcher{total: 500, base: 100_000}, "c@g.us")
	o := testOrchestrator(t, db, g)

	if _, _, err := o.Start("c@g.us", 500, false); err != nil {
		t.Fatal(err)
	}
	<-g.started

	cp, err := o.Cancel("c@g.us")
	if err != nil {
		t.Fatal(err)
	}
	// The run stops promptly here, so the response already reflects the
	// cancel rather than a stale IN_PROGRESS read.
	if cp.Status != StatusCancelled {
		t.Errorf("returned status = %s, want CANCELLED", cp.Status)
	}
	waitIdle(t, o)

	saved, _ := db.GetCheckpoint("c@g.us")
	if saved.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", saved.Status)
	}
}

func TestCancelInterruptedCheckpoint(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{})

	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "c@g.us", Status: StatusInterrupted, MessagesSynced: 80})
	cp, err := o.Cancel("c@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != StatusCancelled || cp.MessagesSynced != 80 {
		t.Errorf("cancel interrupted: %+v", cp)
	}
}

func TestCancelWithoutSync(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{})

	if _, err := o.Cancel("nobody@g.us"); !errors.Is(err, ErrNoActiveSync) {
		t.Errorf("err = %v, want ErrNoActiveSync", err)
	}

	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "done@g.us", Status: StatusCompleted})
	if _, err := o.Cancel("done@g.us"); !errors.Is(err, ErrNoActiveSync) {
		t.Errorf("cancel completed: err = %v, want ErrNoActiveSync", err)
	}
}

func TestResumeRoundTrip(t *testing.T) {
	db := testStore(t)
	f := &fakeFetcher{
		total: 200,
		base:  100_000,
		errs:  map[int]error{2: ErrTimeout, 3: ErrTimeout, 4: ErrTimeout},
	}
	o := testOrchestrator(t, db, f)

	if _, _, err := o.Start("c@g.us", 200, false); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)
	saved, _ := db.GetCheckpoint("c@g.us")
	if saved.Status != StatusInterrupted {
		t.Fatalf("status = %s, want INTERRUPTED before resume", saved.Status)
	}

	if _, _, err := o.Resume("c@g.us", 200); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)
	saved, _ = db.GetCheckpoint("c@g.us")
	if saved.Status != StatusCompleted || saved.MessagesSynced != 200 {
		t.Errorf("after resume: %s/%d, want COMPLETED/200", saved.Status, saved.MessagesSynced)
	}
}

func TestResumeRejectsCompleted(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{})

	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "c@g.us", Status: StatusCompleted})
	if _, _, err := o.Resume("c@g.us", 100); !errors.Is(err, ErrNotResumable) {
		t.Errorf("err = %v, want ErrNotResumable", err)
	}
}

func TestStatus(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{total: 60, base: 100_000})

	if _, err := o.Status("unknown@g.us"); !errors.Is(err, ErrNoActiveSync) {
		t.Errorf("unknown chat: err = %v, want ErrNoActiveSync", err)
	}

	if _, _, err := o.Start("c@g.us", 60, false); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)

	st, err := o.Status("c@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsActive {
		t.Error("IsActive = true after completion")
	}
	if st.Checkpoint.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", st.Checkpoint.Status)
	}
	if st.OldestMessageDate == 0 {
		t.Error("oldest message date not reported")
	}
}

func TestStartBulkSequential(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{total: 60, base: 100_000})

	// "a" is already done; a bulk rerun must skip it, not reset it.
	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "a@g.us", Status: StatusCompleted, MessagesSynced: 999})

	res, err := o.StartBulk([]string{"a@g.us", "b@g.us", "c@g.us"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Queued) != 3 || len(res.Failed) != 0 {
		t.Fatalf("queued=%v failed=%v", res.Queued, res.Failed)
	}
	waitIdle(t, o)

	a, _ := db.GetCheckpoint("a@g.us")
	if a.MessagesSynced != 999 {
		t.Errorf("completed chat was reset: %+v", a)
	}
	for _, jid := range []string{"b@g.us", "c@g.us"} {
		cp, _ := db.GetCheckpoint(jid)
		if cp == nil || cp.Status != StatusCompleted || cp.MessagesSynced != 60 {
			t.Errorf("%s: %+v, want COMPLETED/60", jid, cp)
		}
	}
}

func TestStartBulkRejectsActiveChat(t *testing.T) {
	db := testStore(t)
	g := newGate(&fakeFetcher{total: 500, base: 100_000}, "x@g.us")
	o := testOrchestrator(t, db, g)

	if _, _, err := o.Start("x@g.us", 100, false); err != nil {
		t.Fatal(err)
	}
	<-g.started

	res, err := o.StartBulk([]string{"x@g.us", "y@g.us"}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Queued) != 1 || res.Queued[0] != "y@g.us" {
		t.Errorf("queued = %v, want only y@g.us", res.Queued)
	}
	if len(res.Failed) != 1 || res.Failed[0].ChatJID != "x@g.us" {
		t.Errorf("failed = %v, want x@g.us rejected", res.Failed)
	}

	close(g.release)
	waitIdle(t, o)
}

func TestStartBulkLimits(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{})

	if _, err := o.StartBulk(nil, 100); err == nil {
		t.Error("empty bulk accepted")
	}
	jids := make([]string, MaxBulkChats+1)
	for i := range jids {
		jids[i] = "c@g.us"
	}
	if _, err := o.StartBulk(jids, 100); err == nil {
		t.Error("oversized bulk accepted")
	}
}

func TestBulkStatusFor(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{})

	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "a@g.us", Status: StatusCompleted, ProgressPercent: 100})
	_ = db.UpsertCheckpoint(&store.Checkpoint{ChatJID: "b@g.us", Status: StatusInterrupted, ProgressPercent: 40})

	st, err := o.BulkStatusFor([]string{"a@g.us", "b@g.us", "new@g.us"})
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Completed != 1 || st.Interrupted != 1 || st.NotStarted != 1 {
		t.Errorf("aggregate: %+v", st)
	}
	want := (100.0 + 40.0 + 0.0) / 3
	if st.ProgressPercent != want {
		t.Errorf("pct = %v, want %v", st.ProgressPercent, want)
	}
}

func TestGlobalStatus(t *testing.T) {
	db := testStore(t)
	o := testOrchestrator(t, db, &fakeFetcher{total: 60, base: 100_000})

	gs, err := o.GlobalStatus()
	if err != nil {
		t.Fatal(err)
	}
	if gs.IsSyncing || gs.IsLatest || gs.TotalMessagesSynced != 0 {
		t.Errorf("empty account: %+v", gs)
	}

	if _, _, err := o.Start("a@g.us", 60, false); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)
	if _, _, err := o.Start("b@g.us", 60, false); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)

	gs, err = o.GlobalStatus()
	if err != nil {
		t.Fatal(err)
	}
	if gs.IsSyncing {
		t.Error("IsSyncing = true with nothing active")
	}
	if gs.TotalMessagesSynced != 120 {
		t.Errorf("total = %d, want 120", gs.TotalMessagesSynced)
	}
	if !gs.IsLatest || gs.LastSyncTime == 0 {
		t.Errorf("IsLatest=%v LastSyncTime=%d", gs.IsLatest, gs.LastSyncTime)
	}
}
