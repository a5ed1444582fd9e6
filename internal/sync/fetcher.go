package sync

import (
	"context"

	"github.com/matheus3301/wahist/internal/store"
)

// Cursor marks the oldest message retrieved so far. The next batch is
// requested relative to it; WhatsApp needs the message id, its timestamp
// and whether it was outgoing to resolve the anchor.
type Cursor struct {
	MessageID string
	Timestamp int64 // seconds since epoch
	FromMe    bool
}

// Batch is one delivery of historical messages, newest-to-oldest relative
// to the requesting cursor. Cursor points at the oldest message of the
// batch and seeds the next request; nil when the batch is empty.
type Batch struct {
	Messages []*store.Message
	Cursor   *Cursor
}

// Fetcher turns the fire-and-forget history request plus its out-of-band
// event delivery into one awaitable call. A nil cursor means "start from
// the oldest stored message"; implementations return an empty batch when
// there is nothing to anchor on or no more history upstream.
type Fetcher interface {
	FetchBatch(ctx context.Context, chatJID string, count int, cursor *Cursor) (*Batch, error)
}
