package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/store"
)

// MaxBulkChats bounds one bulk request. Syncs run sequentially, so a larger
// batch would just sit queued for hours while blocking its chats.
const MaxBulkChats = 50

// Orchestrator is the entry point for starting, resuming, cancelling and
// inspecting history syncs. Single-chat syncs run concurrently (one per
// chat); bulk requests process their chats strictly one after another to
// respect WhatsApp pacing.
type Orchestrator struct {
	db     *store.DB
	coord  *Coordinator
	reg    *Registry
	logger *zap.Logger

	baseCtx  context.Context
	shutdown context.CancelFunc
}

func NewOrchestrator(db *store.DB, coord *Coordinator, reg *Registry, logger *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		db:       db,
		coord:    coord,
		reg:      reg,
		logger:   logger.Named("orchestrator"),
		baseCtx:  ctx,
		shutdown: cancel,
	}
}

// Shutdown cancels every in-flight sync. Each run lands in CANCELLED via
// its own coordinator, so state on disk stays resumable-consistent.
func (o *Orchestrator) Shutdown() { o.shutdown() }

// Start begins a sync for one chat. The checkpoint is prepared
// synchronously so the caller gets its initial state (and any
// ErrNotResumable/ErrAlreadySyncing) immediately; the loop itself runs in
// the background.
func (o *Orchestrator) Start(chatJID string, maxMessages int, resume bool) (*Handle, *store.Checkpoint, error) {
	h := o.newHandle(chatJID, maxMessages)
	if !o.reg.TryInsert(h) {
		h.cancel()
		return nil, nil, ErrAlreadySyncing
	}

	cp, err := o.coord.Prepare(chatJID, resume)
	if err != nil {
		o.reg.Remove(chatJID)
		h.cancel()
		return nil, nil, err
	}

	go func() {
		defer o.reg.Remove(chatJID)
		defer h.cancel()
		if _, err := o.coord.Run(h.ctx, cp, maxMessages); err != nil {
			o.logger.Error("sync run failed",
				zap.String("chat_jid", chatJID),
				zap.String("sync_id", h.SyncID),
				zap.Error(err))
		}
	}()
	return h, cp, nil
}

// Resume restarts an INTERRUPTED or FAILED sync from its saved cursor.
func (o *Orchestrator) Resume(chatJID string, maxMessages int) (*Handle, *store.Checkpoint, error) {
	return o.Start(chatJID, maxMessages, true)
}

// Cancel stops the sync for chatJID. A live run is cancelled between
// suspension points; an INTERRUPTED checkpoint with no live run is moved to
// CANCELLED directly. Anything else is ErrNoActiveSync.
func (o *Orchestrator) Cancel(chatJID string) (*store.Checkpoint, error) {
	if h, ok := o.reg.Get(chatJID); ok {
		h.Cancel()
		// The cancel is cooperative: the run observes it at its next
		// suspension point. Wait briefly for it to land so the returned
		// checkpoint reads CANCELLED instead of a still-in-flight
		// IN_PROGRESS; a run stuck in a long fetch settles after we return.
		o.awaitStop(chatJID, 2*time.Second)
		return o.db.GetCheckpoint(chatJID)
	}

	cp, err := o.db.GetCheckpoint(chatJID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, ErrNoActiveSync
	}
	if cp.Status != StatusInterrupted {
		return nil, fmt.Errorf("%w: checkpoint is %s", ErrNoActiveSync, cp.Status)
	}
	if err := Transition(cp, StatusCancelled); err != nil {
		return nil, err
	}
	if err := o.db.UpsertCheckpoint(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (o *Orchestrator) awaitStop(chatJID string, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, live := o.reg.Get(chatJID); !live {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ChatStatus is the per-chat view: the persisted checkpoint plus liveness
// and rate/ETA estimates that only exist while a run is in flight.
type ChatStatus struct {
	Checkpoint        *store.Checkpoint `json:"checkpoint"`
	IsActive          bool              `json:"is_active"`
	OldestMessageDate int64             `json:"oldest_message_date,omitempty"`
	MessagesPerSecond float64           `json:"messages_per_second,omitempty"`
	ETASeconds        int64             `json:"eta_seconds,omitempty"`
}

// Status reports sync state for one chat. Returns ErrNoActiveSync when the
// chat has neither a checkpoint nor a live run.
func (o *Orchestrator) Status(chatJID string) (*ChatStatus, error) {
	cp, err := o.db.GetCheckpoint(chatJID)
	if err != nil {
		return nil, err
	}
	h, active := o.reg.Get(chatJID)
	if cp == nil && !active {
		return nil, ErrNoActiveSync
	}
	st := &ChatStatus{Checkpoint: cp, IsActive: active}

	if oldest, err := o.db.OldestMessage(chatJID); err == nil && oldest != nil {
		st.OldestMessageDate = oldest.Timestamp
	}

	if active && cp != nil {
		elapsed := time.Since(h.StartedAt).Seconds()
		if elapsed > 0 && cp.MessagesSynced > 0 {
			st.MessagesPerSecond = float64(cp.MessagesSynced) / elapsed
			if rem := h.MaxMessages - cp.MessagesSynced; rem > 0 && st.MessagesPerSecond > 0 {
				st.ETASeconds = int64(float64(rem) / st.MessagesPerSecond)
			}
		}
	}
	return st, nil
}

// BulkResult reports which chats a bulk request accepted and which it
// turned away, with the reason.
type BulkResult struct {
	Queued []string      `json:"queued"`
	Failed []BulkFailure `json:"failed,omitempty"`
}

type BulkFailure struct {
	ChatJID string `json:"chat_jid"`
	Reason  string `json:"reason"`
}

// StartBulk queues a sequential sync over the given chats. All chats are
// claimed in the registry up front, so a conflicting single-chat start
// between queueing and execution is rejected; per-chat preparation failures
// surface in the log and the checkpoint, never abort the rest of the queue.
func (o *Orchestrator) StartBulk(chatJIDs []string, maxMessages int) (*BulkResult, error) {
	if len(chatJIDs) == 0 {
		return nil, fmt.Errorf("bulk sync needs at least one chat")
	}
	if len(chatJIDs) > MaxBulkChats {
		return nil, fmt.Errorf("bulk sync limited to %d chats, got %d", MaxBulkChats, len(chatJIDs))
	}

	res := &BulkResult{}
	var accepted []*Handle
	for _, jid := range chatJIDs {
		h := o.newHandle(jid, maxMessages)
		if !o.reg.TryInsert(h) {
			h.cancel()
			res.Failed = append(res.Failed, BulkFailure{ChatJID: jid, Reason: "sync already active"})
			continue
		}
		accepted = append(accepted, h)
		res.Queued = append(res.Queued, jid)
	}

	go func() {
		for _, h := range accepted {
			o.runQueued(h)
		}
	}()

	o.logger.Info("bulk sync queued",
		zap.Int("queued", len(res.Queued)),
		zap.Int("rejected", len(res.Failed)),
		zap.Int("max_messages", maxMessages))
	return res, nil
}

func (o *Orchestrator) runQueued(h *Handle) {
	defer o.reg.Remove(h.ChatJID)
	defer h.cancel()

	// Queued chats may already be COMPLETED from an earlier run; skip them
	// instead of resetting, so re-running a bulk over the same list only
	// touches the unfinished ones.
	cp, err := o.db.GetCheckpoint(h.ChatJID)
	if err != nil {
		o.logger.Error("bulk checkpoint lookup failed", zap.String("chat_jid", h.ChatJID), zap.Error(err))
		return
	}
	resume := false
	if cp != nil {
		switch cp.Status {
		case StatusCompleted:
			o.logger.Info("bulk skip: already completed", zap.String("chat_jid", h.ChatJID))
			return
		case StatusInterrupted, StatusFailed:
			resume = true
		}
	}

	cp, err = o.coord.Prepare(h.ChatJID, resume)
	if err != nil {
		o.logger.Error("bulk prepare failed", zap.String("chat_jid", h.ChatJID), zap.Error(err))
		return
	}
	if _, err := o.coord.Run(h.ctx, cp, h.MaxMessages); err != nil {
		o.logger.Error("bulk sync run failed", zap.String("chat_jid", h.ChatJID), zap.Error(err))
	}
}

// BulkStatus is the aggregate view over an explicit set of chats.
type BulkStatus struct {
	Total           int                 `json:"total"`
	Completed       int                 `json:"completed"`
	InProgress      int                 `json:"in_progress"`
	Interrupted     int                 `json:"interrupted"`
	Failed          int                 `json:"failed"`
	Cancelled       int                 `json:"cancelled"`
	NotStarted      int                 `json:"not_started"`
	ProgressPercent float64             `json:"progress_percent"`
	Checkpoints     []*store.Checkpoint `json:"checkpoints"`
}

// BulkStatusFor aggregates checkpoint state over the given chats. Chats
// with no checkpoint yet count as NOT_STARTED.
func (o *Orchestrator) BulkStatusFor(chatJIDs []string) (*BulkStatus, error) {
	st := &BulkStatus{Total: len(chatJIDs)}
	var pctSum float64
	for _, jid := range chatJIDs {
		cp, err := o.db.GetCheckpoint(jid)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			cp = &store.Checkpoint{ChatJID: jid, Status: StatusNotStarted}
		}
		st.Checkpoints = append(st.Checkpoints, cp)
		pctSum += cp.ProgressPercent
		switch cp.Status {
		case StatusCompleted:
			st.Completed++
		case StatusInProgress:
			st.InProgress++
		case StatusInterrupted:
			st.Interrupted++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		default:
			st.NotStarted++
		}
	}
	if st.Total > 0 {
		st.ProgressPercent = pctSum / float64(st.Total)
	}
	return st, nil
}

// GlobalStatus is the account-wide read model, derived from the checkpoint
// table and the registry rather than tracked separately.
type GlobalStatus struct {
	IsSyncing           bool     `json:"is_syncing"`
	ActiveChats         []string `json:"active_chats"`
	TotalMessagesSynced int64    `json:"total_messages_synced"`
	LastSyncTime        int64    `json:"last_sync_time"`
	IsLatest            bool     `json:"is_latest"`
}

func (o *Orchestrator) GlobalStatus() (*GlobalStatus, error) {
	total, last, err := o.db.CheckpointTotals()
	if err != nil {
		return nil, err
	}
	active := o.reg.ActiveJIDs()
	return &GlobalStatus{
		IsSyncing:           len(active) > 0,
		ActiveChats:         active,
		TotalMessagesSynced: total,
		LastSyncTime:        last,
		IsLatest:            len(active) == 0 && last > 0,
	}, nil
}

func (o *Orchestrator) newHandle(chatJID string, maxMessages int) *Handle {
	ctx, cancel := context.WithCancel(o.baseCtx)
	return &Handle{
		SyncID:      uuid.NewString(),
		ChatJID:     chatJID,
		MaxMessages: maxMessages,
		StartedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
}
