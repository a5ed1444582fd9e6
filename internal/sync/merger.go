package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/store"
)

// MergeResult summarizes one staging-to-durable merge.
type MergeResult struct {
	Merged         int     `json:"merged"`
	Deduplicated   int     `json:"deduplicated"`
	Failed         int     `json:"failed"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Merger moves messages captured in the staging store (initial and live
// history syncs) into the durable store. Duplicate detection is by
// (chat_jid, msg_id); staging is cleared only after the durable writes
// committed, so a crash mid-merge re-merges instead of losing data.
type Merger struct {
	logger *zap.Logger
	bus    *bus.Bus
}

func NewMerger(b *bus.Bus, logger *zap.Logger) *Merger {
	return &Merger{logger: logger.Named("merger"), bus: b}
}

func (m *Merger) Merge(ctx context.Context, staging, durable *store.DB) (*MergeResult, error) {
	start := time.Now()
	res := &MergeResult{}

	staged, err := staging.AllMessages()
	if err != nil {
		return nil, fmt.Errorf("read staging store: %w", err)
	}
	if len(staged) == 0 {
		return res, nil
	}

	byChat := make(map[string][]*store.Message)
	var order []string
	for _, msg := range staged {
		if _, seen := byChat[msg.ChatJID]; !seen {
			order = append(order, msg.ChatJID)
		}
		byChat[msg.ChatJID] = append(byChat[msg.ChatJID], msg)
	}

	mergedByChat := make(map[string]int)
	var toInsert []*store.Message
	for _, jid := range order {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		msgs := byChat[jid]
		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.MsgID
		}
		existing, err := durable.ExistingMessageIDs(jid, ids)
		if err != nil {
			res.Failed = len(staged) - res.Merged - res.Deduplicated
			return res, fmt.Errorf("probe durable store for %s: %w", jid, err)
		}
		for _, msg := range msgs {
			if _, dup := existing[msg.MsgID]; dup {
				res.Deduplicated++
				continue
			}
			msg.SyncSource = store.SourceMerged
			toInsert = append(toInsert, msg)
			mergedByChat[jid]++
		}
	}

	if len(toInsert) > 0 {
		if _, err := durable.UpsertMessagesBatch(toInsert); err != nil {
			res.Failed = len(toInsert)
			return res, fmt.Errorf("write durable store: %w", err)
		}
		res.Merged = len(toInsert)
	}

	for jid, n := range mergedByChat {
		cp, err := durable.GetCheckpoint(jid)
		if err != nil {
			m.logger.Warn("checkpoint lookup after merge failed", zap.String("chat_jid", jid), zap.Error(err))
			continue
		}
		if cp == nil {
			cp = &store.Checkpoint{ChatJID: jid, Status: StatusNotStarted}
		}
		cp.MessagesSynced += n
		if err := durable.UpsertCheckpoint(cp); err != nil {
			m.logger.Warn("checkpoint update after merge failed", zap.String("chat_jid", jid), zap.Error(err))
		}
	}

	if err := staging.ClearMessages(); err != nil {
		// Not fatal: the next merge deduplicates these rows again.
		m.logger.Warn("failed to clear staging store", zap.Error(err))
	}

	res.ElapsedSeconds = time.Since(start).Seconds()
	m.logger.Info("merge completed",
		zap.Int("merged", res.Merged),
		zap.Int("deduplicated", res.Deduplicated),
		zap.Int("chats", len(order)),
		zap.Float64("elapsed_seconds", res.ElapsedSeconds))
	m.bus.Publish(bus.Event{Kind: bus.KindSyncMerged, Payload: res})
	return res, nil
}
