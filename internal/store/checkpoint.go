package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetCheckpoint retrieves the sync checkpoint for a chat, or nil if none exists.
func (db *DB) GetCheckpoint(chatJID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := db.QueryRow(`
		SELECT chat_jid, status, messages_synced, cursor_message_id, cursor_timestamp, cursor_from_me,
			progress_percent, error_message, created_at, updated_at, completed_at
		FROM sync_checkpoints
		WHERE chat_jid = ?`, chatJID).
		Scan(&cp.ChatJID, &cp.Status, &cp.MessagesSynced, &cp.CursorMessageID, &cp.CursorTimestamp, &cp.CursorFromMe,
			&cp.ProgressPercent, &cp.ErrorMessage, &cp.CreatedAt, &cp.UpdatedAt, &cp.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// UpsertCheckpoint inserts or updates a checkpoint. Checkpoints are never
// deleted; they remain for audit and resume.
func (db *DB) UpsertCheckpoint(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().Unix()
	if cp.CreatedAt == 0 {
		cp.CreatedAt = cp.UpdatedAt
	}
	_, err := db.Exec(`
		INSERT INTO sync_checkpoints (chat_jid, status, messages_synced, cursor_message_id, cursor_timestamp, cursor_from_me,
			progress_percent, error_message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid) DO UPDATE SET
			status = excluded.status,
			messages_synced = excluded.messages_synced,
			cursor_message_id = excluded.cursor_message_id,
			cursor_timestamp = excluded.cursor_timestamp,
			cursor_from_me = excluded.cursor_from_me,
			progress_percent = excluded.progress_percent,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		cp.ChatJID, cp.Status, cp.MessagesSynced, cp.CursorMessageID, cp.CursorTimestamp, cp.CursorFromMe,
		cp.ProgressPercent, cp.ErrorMessage, cp.CreatedAt, cp.UpdatedAt, cp.CompletedAt)
	return err
}

// ListCheckpoints retrieves all checkpoints, optionally filtered by status.
func (db *DB) ListCheckpoints(status string) ([]*Checkpoint, error) {
	query := `
		SELECT chat_jid, status, messages_synced, cursor_message_id, cursor_timestamp, cursor_from_me,
			progress_percent, error_message, created_at, updated_at, completed_at
		FROM sync_checkpoints`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cps []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ChatJID, &cp.Status, &cp.MessagesSynced, &cp.CursorMessageID, &cp.CursorTimestamp, &cp.CursorFromMe,
			&cp.ProgressPercent, &cp.ErrorMessage, &cp.CreatedAt, &cp.UpdatedAt, &cp.CompletedAt); err != nil {
			return nil, err
		}
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// CheckpointTotals aggregates across all checkpoints for the global sync
// status read-model. lastSync is the newest updated_at, zero if no rows.
func (db *DB) CheckpointTotals() (totalSynced int64, lastSync int64, err error) {
	err = db.QueryRow(`
		SELECT COALESCE(SUM(messages_synced), 0), COALESCE(MAX(updated_at), 0)
		FROM sync_checkpoints`).Scan(&totalSynced, &lastSync)
	return totalSynced, lastSync, err
}
