package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on chat_jid + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp, sync_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			sync_source = excluded.sync_source`,
		m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, m.FromMe, m.Timestamp, m.SyncSource, now)
	return err
}

// UpsertMessagesBatch inserts a batch of messages in a single transaction,
// idempotent per row. Returns the number of rows processed.
func (db *DB) UpsertMessagesBatch(msgs []*Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp, sync_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			sync_source = excluded.sync_source`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	count := 0
	for _, m := range msgs {
		if _, err := stmt.Exec(m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, m.FromMe, m.Timestamp, m.SyncSource, now); err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.MsgID, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return count, nil
}

// ListMessages returns the newest messages for a chat, newest first.
func (db *DB) ListMessages(chatJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp, sync_source
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// OldestMessage returns the oldest stored message for a chat, or nil if the
// chat has no rows. The sync engine seeds its cursor from this.
func (db *DB) OldestMessage(chatJID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp, sync_source
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp ASC
		LIMIT 1`, chatJID).
		Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.FromMe, &m.Timestamp, &m.SyncSource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AllMessages returns every stored message ordered by chat then timestamp.
// Used by the merger to drain the staging store.
func (db *DB) AllMessages() ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, timestamp, sync_source
		FROM messages
		ORDER BY chat_jid, timestamp`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out, nil
}

// ExistingMessageIDs returns which of the given (chat, id) pairs already
// exist, keyed by msg_id. Probes in chunks to stay under SQLite's
// parameter limit.
func (db *DB) ExistingMessageIDs(chatJID string, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]

		placeholders := strings.Repeat("?,", len(part))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(part)+1)
		args = append(args, chatJID)
		for _, id := range part {
			args = append(args, id)
		}

		rows, err := db.Query(`SELECT msg_id FROM messages WHERE chat_jid = ? AND msg_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return existing, nil
}

// CountMessages returns the total number of stored messages.
func (db *DB) CountMessages() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// ClearMessages deletes all messages. The merger calls this on the staging
// store only after the durable transaction has committed.
func (db *DB) ClearMessages() error {
	_, err := db.Exec(`DELETE FROM messages`)
	return err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.FromMe, &m.Timestamp, &m.SyncSource); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
