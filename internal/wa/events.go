package wa

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/status"
	"github.com/matheus3301/wahist/internal/store"
)

// EventHandler processes whatsmeow events, drives the daemon state machine
// and routes message traffic into the stores: live messages to the durable
// store, passive history deliveries to the staging store. ON_DEMAND
// deliveries are ignored here — they belong to the fetch call that
// requested them.
type EventHandler struct {
	bus     *bus.Bus
	machine *status.Machine
	durable *store.DB
	staging *store.DB
	logger  *zap.Logger
}

func NewEventHandler(b *bus.Bus, machine *status.Machine, durable, staging *store.DB, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:     b,
		machine: machine,
		durable: durable,
		staging: staging,
		logger:  logger.Named("events"),
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		if h.machine.Current() == status.AuthRequired {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Connected)
		h.bus.Publish(bus.Event{Kind: bus.KindWAConnected, Timestamp: time.Now()})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Publish(bus.Event{Kind: bus.KindWADisconnected, Timestamp: time.Now()})
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.bus.Publish(bus.Event{Kind: bus.KindWALoggedOut, Timestamp: time.Now(), Payload: evt.Reason.String()})
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	msg := ParseLiveMessage(evt)
	if err := h.durable.UpsertMessage(msg); err != nil {
		h.logger.Warn("failed to store live message",
			zap.String("chat_jid", msg.ChatJID),
			zap.String("msg_id", msg.MsgID),
			zap.Error(err))
	}
}

// handleHistorySync stages passive deliveries (INITIAL_BOOTSTRAP, RECENT,
// FULL) for a later merge into the durable store.
func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	if evt.Data == nil || evt.Data.GetSyncType() == waHistorySync.HistorySync_ON_DEMAND {
		return
	}

	msgs := ParseHistoryConversations(evt, store.SourceInitial)
	if len(msgs) == 0 {
		return
	}
	if _, err := h.staging.UpsertMessagesBatch(msgs); err != nil {
		h.logger.Error("failed to stage history batch",
			zap.String("sync_type", evt.Data.GetSyncType().String()),
			zap.Int("messages", len(msgs)),
			zap.Error(err))
		return
	}
	h.logger.Info("staged history batch",
		zap.String("sync_type", evt.Data.GetSyncType().String()),
		zap.Int("messages", len(msgs)))
	h.bus.Publish(bus.Event{Kind: bus.KindWAStagedBatch, Timestamp: time.Now(), Payload: len(msgs)})
}
