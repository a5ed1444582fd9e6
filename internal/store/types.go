package store

// Sync sources recorded on messages, distinguishing how a row arrived.
const (
	SourceOnDemand = "on_demand" // explicit deep-history fetch
	SourceInitial  = "initial"   // WhatsApp's automatic bulk history sync
	SourceMerged   = "merged"    // promoted from the staging store
	SourceLive     = "live"      // received while the daemon was running
)

// Message is one retrieved historical message. (chat_jid, msg_id) is
// unique; rows are only ever superseded by idempotent re-insertion under
// the same key.
type Message struct {
	ID          int64  `json:"-"`
	ChatJID     string `json:"chat_jid"`
	MsgID       string `json:"msg_id"`
	SenderJID   string `json:"sender_jid"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	MessageType string `json:"message_type"`
	FromMe      bool   `json:"from_me"`
	Timestamp   int64  `json:"timestamp"` // seconds since epoch, UTC
	SyncSource  string `json:"sync_source,omitempty"`
}

// Checkpoint is the durable progress record for one chat's history sync.
// The cursor points at the oldest message seen so far; the next batch is
// requested relative to it. Timestamps are seconds since epoch, zero means
// unset.
type Checkpoint struct {
	ChatJID         string  `json:"chat_jid"`
	Status          string  `json:"status"`
	MessagesSynced  int     `json:"messages_synced"`
	CursorMessageID string  `json:"cursor_message_id,omitempty"`
	CursorTimestamp int64   `json:"cursor_timestamp,omitempty"`
	CursorFromMe    bool    `json:"cursor_from_me,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
	CompletedAt     int64   `json:"completed_at,omitempty"`
}
