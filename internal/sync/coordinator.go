package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/store"
)

// Coordinator runs the sync loop for one chat at a time: fetch a batch,
// persist it, advance the checkpoint, pace, repeat. All outcomes — success,
// interruption, failure, cancellation — land in the checkpoint row, so a
// later run can pick up exactly where this one stopped.
type Coordinator struct {
	db      *store.DB
	fetcher Fetcher
	policy  Policy
	cfg     config.SyncConfig
	bus     *bus.Bus
	logger  *zap.Logger

	// sleep is swappable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(db *store.DB, fetcher Fetcher, cfg config.SyncConfig, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:      db,
		fetcher: fetcher,
		policy:  Policy{BaseDelay: cfg.BaseDelay(), MaxAttempts: cfg.MaxAttempts},
		cfg:     cfg,
		bus:     b,
		logger:  logger.Named("sync"),
		sleep:   sleepCtx,
	}
}

// Prepare loads (or creates) the checkpoint for chatJID and moves it to
// IN_PROGRESS. With resume=true the checkpoint must be INTERRUPTED or
// FAILED and its cursor is kept. Without resume, a finished or interrupted
// checkpoint is reset and the sync starts over from scratch; a checkpoint
// already IN_PROGRESS is adopted as-is, since a live duplicate is excluded
// by the registry and an IN_PROGRESS row can only be left over from a crash.
func (c *Coordinator) Prepare(chatJID string, resume bool) (*store.Checkpoint, error) {
	cp, err := c.db.GetCheckpoint(chatJID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &store.Checkpoint{ChatJID: chatJID, Status: StatusNotStarted}
	}

	if resume {
		if err := Resume(cp); err != nil {
			return nil, err
		}
	} else {
		switch cp.Status {
		case StatusNotStarted:
			if err := Transition(cp, StatusInProgress); err != nil {
				return nil, err
			}
		case StatusInProgress:
			c.logger.Warn("adopting stale in-progress checkpoint",
				zap.String("chat_jid", chatJID),
				zap.Int("messages_synced", cp.MessagesSynced))
		default:
			cp = &store.Checkpoint{
				ChatJID:   chatJID,
				Status:    StatusNotStarted,
				CreatedAt: cp.CreatedAt,
			}
			if err := Transition(cp, StatusInProgress); err != nil {
				return nil, err
			}
		}
	}

	if err := c.db.UpsertCheckpoint(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Run drives a prepared checkpoint until the target is reached, history is
// exhausted, an error lands it in INTERRUPTED/FAILED, or ctx is cancelled.
// The returned checkpoint reflects the final persisted state; the error is
// non-nil only for infrastructure problems writing that state.
func (c *Coordinator) Run(ctx context.Context, cp *store.Checkpoint, maxMessages int) (*store.Checkpoint, error) {
	chatJID := cp.ChatJID
	c.logger.Info("sync started",
		zap.String("chat_jid", chatJID),
		zap.Int("max_messages", maxMessages),
		zap.Int("already_synced", cp.MessagesSynced))
	c.bus.Publish(bus.Event{Kind: bus.KindSyncStarted, Payload: chatJID})

	cursor := cursorFromCheckpoint(cp)
	lastFlush := cp.MessagesSynced

	for cp.MessagesSynced < maxMessages {
		if ctx.Err() != nil {
			return c.finishCancelled(cp)
		}

		count := c.cfg.BatchSize
		if rem := maxMessages - cp.MessagesSynced; rem < count {
			count = rem
		}

		batch, err := c.fetchWithRetry(ctx, chatJID, count, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return c.finishCancelled(cp)
			}
			return c.finishError(cp, err)
		}
		if len(batch.Messages) == 0 {
			c.logger.Info("history exhausted", zap.String("chat_jid", chatJID),
				zap.Int("messages_synced", cp.MessagesSynced))
			break
		}

		if _, err := c.db.UpsertMessagesBatch(batch.Messages); err != nil {
			return c.finishError(cp, fmt.Errorf("persist batch: %w", err))
		}

		// The cursor must move strictly backwards in time. Server-side clock
		// skew makes this occasionally false in practice, so log and continue
		// rather than abort.
		if cursor != nil && batch.Cursor != nil && batch.Cursor.Timestamp > cursor.Timestamp {
			c.logger.Warn("cursor moved forward in time",
				zap.String("chat_jid", chatJID),
				zap.Int64("prev_ts", cursor.Timestamp),
				zap.Int64("next_ts", batch.Cursor.Timestamp))
		}

		if err := Advance(cp, batch.Cursor, len(batch.Messages), maxMessages); err != nil {
			return cp, err
		}
		cursor = batch.Cursor

		if cp.MessagesSynced-lastFlush >= c.cfg.CheckpointEvery {
			if err := c.db.UpsertCheckpoint(cp); err != nil {
				return c.finishError(cp, fmt.Errorf("persist checkpoint: %w", err))
			}
			lastFlush = cp.MessagesSynced
		}

		c.bus.Publish(bus.Event{Kind: bus.KindSyncProgress, Payload: bus.SyncProgress{
			ChatJID:         chatJID,
			MessagesSynced:  cp.MessagesSynced,
			BatchSize:       len(batch.Messages),
			ProgressPercent: cp.ProgressPercent,
		}})

		if cp.MessagesSynced >= maxMessages {
			break
		}
		if err := c.sleep(ctx, c.policy.Delay(1)); err != nil {
			return c.finishCancelled(cp)
		}
	}

	if err := Transition(cp, StatusCompleted); err != nil {
		return cp, err
	}
	cp.ProgressPercent = 100
	if err := c.db.UpsertCheckpoint(cp); err != nil {
		return cp, err
	}
	c.logger.Info("sync completed",
		zap.String("chat_jid", chatJID),
		zap.Int("messages_synced", cp.MessagesSynced))
	c.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: chatJID})
	return cp, nil
}

// fetchWithRetry attempts one batch up to MaxAttempts times, backing off
// between attempts. Non-transient errors are returned on the first hit;
// cancellation aborts immediately.
func (c *Coordinator) fetchWithRetry(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		batch, err := c.fetcher.FetchBatch(ctx, chatJID, count, cursor)
		if err == nil {
			return batch, nil
		}
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		lastErr = err
		kind := Classify(err)
		if !kind.Transient() {
			return nil, err
		}
		c.logger.Warn("history fetch failed",
			zap.String("chat_jid", chatJID),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Error(err))
		if attempt == c.policy.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.policy.Delay(attempt)); err != nil {
			return nil, context.Canceled
		}
	}
	return nil, lastErr
}

// finishError demotes the checkpoint according to the error taxonomy:
// transient kinds to INTERRUPTED (resumable), the rest to FAILED.
func (c *Coordinator) finishError(cp *store.Checkpoint, cause error) (*store.Checkpoint, error) {
	kind := Classify(cause)
	to := StatusFailed
	evt := bus.KindSyncFailed
	if kind.Transient() {
		to = StatusInterrupted
		evt = bus.KindSyncInterrupted
	}
	if err := Transition(cp, to); err != nil {
		return cp, err
	}
	cp.ErrorMessage = fmt.Sprintf("%s: %v", kind, cause)
	if err := c.db.UpsertCheckpoint(cp); err != nil {
		return cp, err
	}
	c.logger.Warn("sync stopped on error",
		zap.String("chat_jid", cp.ChatJID),
		zap.String("status", cp.Status),
		zap.String("kind", string(kind)),
		zap.Int("messages_synced", cp.MessagesSynced),
		zap.Error(cause))
	c.bus.Publish(bus.Event{Kind: evt, Payload: cp.ChatJID})
	return cp, nil
}

func (c *Coordinator) finishCancelled(cp *store.Checkpoint) (*store.Checkpoint, error) {
	if err := Transition(cp, StatusCancelled); err != nil {
		return cp, err
	}
	if err := c.db.UpsertCheckpoint(cp); err != nil {
		return cp, err
	}
	c.logger.Info("sync cancelled",
		zap.String("chat_jid", cp.ChatJID),
		zap.Int("messages_synced", cp.MessagesSynced))
	c.bus.Publish(bus.Event{Kind: bus.KindSyncCancelled, Payload: cp.ChatJID})
	return cp, nil
}

func cursorFromCheckpoint(cp *store.Checkpoint) *Cursor {
	if cp.CursorMessageID == "" {
		return nil
	}
	return &Cursor{
		MessageID: cp.CursorMessageID,
		Timestamp: cp.CursorTimestamp,
		FromMe:    cp.CursorFromMe,
	}
}
