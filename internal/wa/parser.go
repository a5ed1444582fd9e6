package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/matheus3301/wahist/internal/store"
)

// NormalizeJID strips device/agent suffixes so history sync and live
// messages produce the same JID for the same contact (e.g.
// "5585...:0@s.whatsapp.net" and "5585...@s.whatsapp.net" would otherwise
// create two chats). Unparseable input is returned as-is.
func NormalizeJID(raw string) string {
	if raw == "" {
		return ""
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}

// NormalizeTimestamp converts a WhatsApp timestamp to epoch seconds.
// History payloads mix seconds and milliseconds; anything past ~5138 AD in
// seconds is taken as milliseconds.
func NormalizeTimestamp(ts int64) int64 {
	if ts > 100_000_000_000 {
		return ts / 1000
	}
	return ts
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *store.Message {
	return &store.Message{
		ChatJID:     NormalizeJID(evt.Info.Chat.String()),
		MsgID:       evt.Info.ID,
		SenderJID:   NormalizeJID(evt.Info.Sender.String()),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp.Unix(),
		SyncSource:  store.SourceLive,
	}
}

// ParseHistoryMessage normalizes one history sync entry for the given chat.
// Returns nil for entries with no message content (revokes, protocol stubs).
func ParseHistoryMessage(wmsg *waWeb.WebMessageInfo, chatJID, source string) *store.Message {
	if wmsg == nil || wmsg.GetMessage() == nil {
		return nil
	}
	key := wmsg.GetKey()
	if key.GetID() == "" {
		return nil
	}
	sender := key.GetParticipant()
	if sender == "" && !key.GetFromMe() {
		// Direct chats omit the participant; the peer is the chat itself.
		sender = chatJID
	}
	return &store.Message{
		ChatJID:     NormalizeJID(chatJID),
		MsgID:       key.GetID(),
		SenderJID:   NormalizeJID(sender),
		SenderName:  wmsg.GetPushName(),
		Body:        extractTextBody(wmsg.GetMessage()),
		MessageType: detectMessageType(wmsg.GetMessage()),
		FromMe:      key.GetFromMe(),
		Timestamp:   NormalizeTimestamp(int64(wmsg.GetMessageTimestamp())),
		SyncSource:  source,
	}
}

// ParseHistoryConversations flattens every conversation in a history sync
// event into normalized messages tagged with the given source.
func ParseHistoryConversations(evt *events.HistorySync, source string) []*store.Message {
	if evt == nil || evt.Data == nil {
		return nil
	}
	var msgs []*store.Message
	for _, conv := range evt.Data.GetConversations() {
		chatJID := conv.GetID()
		for _, hm := range conv.GetMessages() {
			if parsed := ParseHistoryMessage(hm.GetMessage(), chatJID, source); parsed != nil {
				msgs = append(msgs, parsed)
			}
		}
	}
	return msgs
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
