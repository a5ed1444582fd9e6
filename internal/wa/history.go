package wa

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/store"
	"github.com/matheus3301/wahist/internal/sync"
)

// HistoryFetcher turns WhatsApp's asynchronous on-demand history protocol
// into one awaitable call: it sends a peer history request anchored on the
// cursor, then waits for the matching ON_DEMAND HistorySync event. The
// request carries no correlation id, so the waiter is armed before the send
// and matched by sync type plus chat.
type HistoryFetcher struct {
	adapter *Adapter
	db      *store.DB
	timeout time.Duration
	logger  *zap.Logger
}

func NewHistoryFetcher(a *Adapter, db *store.DB, cfg config.SyncConfig, logger *zap.Logger) *HistoryFetcher {
	return &HistoryFetcher{
		adapter: a,
		db:      db,
		timeout: cfg.FetchTimeout(),
		logger:  logger.Named("fetcher"),
	}
}

// FetchBatch implements sync.Fetcher. A nil cursor is seeded from the
// oldest stored message of the chat; a chat with no stored messages has no
// anchor to request history before, so it yields an empty batch.
func (f *HistoryFetcher) FetchBatch(ctx context.Context, chatJID string, count int, cursor *sync.Cursor) (*sync.Batch, error) {
	if !f.adapter.IsConnected() {
		return nil, whatsmeow.ErrNotConnected
	}

	if cursor == nil {
		oldest, err := f.db.OldestMessage(chatJID)
		if err != nil {
			return nil, fmt.Errorf("seed cursor: %w", err)
		}
		if oldest == nil {
			f.logger.Info("no anchor message for chat, nothing to fetch",
				zap.String("chat_jid", chatJID))
			return &sync.Batch{}, nil
		}
		cursor = &sync.Cursor{
			MessageID: oldest.MsgID,
			Timestamp: oldest.Timestamp,
			FromMe:    oldest.FromMe,
		}
	}

	chat, err := types.ParseJID(chatJID)
	if err != nil {
		return nil, fmt.Errorf("parse chat JID: %w", err)
	}

	client := f.adapter.Client()
	anchor := anchorInfo(client, chat, cursor)

	// Arm the waiter before sending so a fast delivery cannot slip past.
	results := make(chan *sync.Batch, 1)
	handlerID := client.AddEventHandler(func(raw any) {
		evt, ok := raw.(*events.HistorySync)
		if !ok || evt.Data == nil {
			return
		}
		if evt.Data.GetSyncType() != waHistorySync.HistorySync_ON_DEMAND {
			return
		}
		// ON_DEMAND deliveries are not correlated to requests; a late reply
		// to a request for another chat arrives on the same stream. Only a
		// delivery carrying this chat's conversation resolves the wait.
		batch, matched := f.collect(evt, chat)
		if !matched {
			f.logger.Debug("ignoring on-demand delivery for other chat",
				zap.String("chat_jid", chatJID))
			return
		}
		select {
		case results <- batch:
		default:
		}
	})
	defer client.RemoveEventHandler(handlerID)

	req := client.BuildHistorySyncRequest(anchor, count)
	if _, err := client.SendMessage(ctx, client.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true}); err != nil {
		return nil, fmt.Errorf("request history: %w", err)
	}
	f.logger.Debug("history request sent",
		zap.String("chat_jid", chatJID),
		zap.Int("count", count),
		zap.String("anchor", cursor.MessageID))

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case batch := <-results:
		return batch, nil
	case <-timer.C:
		return nil, sync.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collect extracts the requested chat's messages from an ON_DEMAND delivery
// and derives the next cursor from the oldest one. The second return is
// false when the delivery carries no conversation for the chat at all; a
// matched conversation with zero messages is a genuine empty result.
func (f *HistoryFetcher) collect(evt *events.HistorySync, chat types.JID) (*sync.Batch, bool) {
	want := chat.ToNonAD().String()
	matched := false
	var msgs []*store.Message
	for _, conv := range evt.Data.GetConversations() {
		if NormalizeJID(conv.GetID()) != want {
			continue
		}
		matched = true
		for _, hm := range conv.GetMessages() {
			if parsed := ParseHistoryMessage(hm.GetMessage(), conv.GetID(), store.SourceOnDemand); parsed != nil {
				msgs = append(msgs, parsed)
			}
		}
	}

	batch := &sync.Batch{Messages: msgs}
	for _, msg := range msgs {
		if batch.Cursor == nil || msg.Timestamp < batch.Cursor.Timestamp {
			batch.Cursor = &sync.Cursor{
				MessageID: msg.MsgID,
				Timestamp: msg.Timestamp,
				FromMe:    msg.FromMe,
			}
		}
	}
	return batch, matched
}

// anchorInfo rebuilds the message info WhatsApp needs to resolve the anchor.
// Direct chats use the peer as sender for incoming anchors; own messages
// use the account JID.
func anchorInfo(client *whatsmeow.Client, chat types.JID, cursor *sync.Cursor) *types.MessageInfo {
	sender := chat
	if cursor.FromMe && client.Store.ID != nil {
		sender = client.Store.ID.ToNonAD()
	}
	return &types.MessageInfo{
		ID:        types.MessageID(cursor.MessageID),
		Timestamp: time.Unix(cursor.Timestamp, 0),
		MessageSource: types.MessageSource{
			Chat:     chat,
			Sender:   sender,
			IsFromMe: cursor.FromMe,
		},
	}
}
