package wa

import (
	"context"
	"time"

	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// PNResolver maps an ephemeral (LID) JID to the phone-number JID the device
// store knows for it.
type PNResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

// EventHandler translates whatsmeow events of one instance into inbound
// relay events and publishes them on the bus. It never touches the store;
// the ingestion coordinator consumes the bus.
type EventHandler struct {
	instance string
	bus      *bus.Bus
	lids     PNResolver
	logger   *zap.Logger
}

// NewEventHandler creates a handler for instance. lids may be nil.
func NewEventHandler(instance string, b *bus.Bus, lids PNResolver, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		instance: instance,
		bus:      b,
		lids:     lids,
		logger:   logger.With(zap.String("instance", instance)),
	}
}

// Handle is the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.publish(h.message(evt))
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.PushName:
		h.publish(&event.ContactUpdate{RemoteJID: evt.JID.ToNonAD().String(), Name: evt.NewPushName})
	case *events.Presence:
		presence := "available"
		if evt.Unavailable {
			presence = "unavailable"
		}
		var lastSeen int64
		if !evt.LastSeen.IsZero() {
			lastSeen = evt.LastSeen.UnixMilli()
		}
		h.publish(&event.PresenceUpdate{RemoteJID: evt.From.ToNonAD().String(), Presence: presence, LastSeen: lastSeen})
	case *events.ChatPresence:
		presence := string(evt.State)
		if evt.State == types.ChatPresenceComposing && evt.Media == types.ChatPresenceMediaAudio {
			presence = "recording"
		}
		h.publish(&event.PresenceUpdate{RemoteJID: evt.Chat.ToNonAD().String(), Presence: presence})
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.publish(&event.ConnectionState{State: "open"})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.publish(&event.ConnectionState{State: "connecting"})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.publish(&event.ConnectionState{State: "close", StatusCode: 401})
	}
}

func (h *EventHandler) publish(e event.Event) {
	if e == nil {
		return
	}
	h.bus.Publish(bus.Event{
		Kind:      event.InboundKind,
		Timestamp: time.Now(),
		Payload:   event.Inbound{Instance: h.instance, Event: e},
	})
}

func (h *EventHandler) message(evt *events.Message) *event.MessageUpsert {
	info := evt.Info
	content := ParseContent(evt.Message)
	m := &event.MessageUpsert{
		ExternalID: string(info.ID),
		RemoteJID:  info.Chat.ToNonAD().String(),
		FromMe:     info.IsFromMe,
		PushName:   info.PushName,
		Type:       content.Type,
		Content:    content.Text,
		Media:      content.Media,
		Timestamp:  info.Timestamp.UnixMilli(),
	}
	if info.IsGroup {
		m.Participant = info.Sender.ToNonAD().String()
		if !info.SenderAlt.IsEmpty() {
			m.ParticipantAlt = info.SenderAlt.ToNonAD().String()
		}
	} else {
		m.RemoteJIDAlt = h.alternate(info.Chat, info.MessageSource)
	}
	return m
}

// alternate returns the phone-number JID for an ephemeral chat, taken from
// the message itself or from the device store.
func (h *EventHandler) alternate(chat types.JID, src types.MessageSource) string {
	if chat.Server != types.HiddenUserServer {
		return ""
	}
	alt := src.SenderAlt
	if src.IsFromMe {
		alt = src.RecipientAlt
	}
	if alt.Server == types.DefaultUserServer {
		return alt.ToNonAD().String()
	}
	if h.lids != nil {
		if pn := h.lids.ResolveLID(context.Background(), chat.ToNonAD()); pn.Server == types.DefaultUserServer {
			return pn.ToNonAD().String()
		}
	}
	return ""
}

// receiptStatus maps a receipt type to a delivery status. Receipt types
// that say nothing about delivery map to "".
func receiptStatus(t types.ReceiptType) store.Status {
	switch t {
	case types.ReceiptTypeDelivered:
		return store.StatusDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return store.StatusRead
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		return store.StatusPlayed
	default:
		return ""
	}
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	st := receiptStatus(evt.Type)
	if st == "" {
		return
	}
	chat := evt.Chat.ToNonAD()
	alt := ""
	if !evt.IsGroup {
		alt = h.alternate(chat, evt.MessageSource)
	}
	for _, id := range evt.MessageIDs {
		h.publish(&event.StatusUpdate{
			ExternalID:   string(id),
			RemoteJID:    chat.String(),
			RemoteJIDAlt: alt,
			// Receipts sent by others are about our own messages.
			FromMe:    !evt.IsFromMe,
			Status:    st,
			Timestamp: evt.Timestamp.UnixMilli(),
		})
	}
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var count int
	for _, conv := range data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			h.logger.Debug("history conversation with invalid jid skipped", zap.String("jid", conv.GetID()))
			continue
		}
		chat = chat.ToNonAD()

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			key := wmsg.GetKey()
			content := ParseContent(wmsg.GetMessage())
			m := &event.MessageUpsert{
				ExternalID: key.GetID(),
				RemoteJID:  chat.String(),
				FromMe:     key.GetFromMe(),
				PushName:   wmsg.GetPushName(),
				Type:       content.Type,
				Content:    content.Text,
				Media:      content.Media,
				Timestamp:  int64(wmsg.GetMessageTimestamp()) * 1000,
				Historical: true,
			}
			if p := key.GetParticipant(); p != "" {
				if pj, err := types.ParseJID(p); err == nil {
					m.Participant = pj.ToNonAD().String()
				}
			}
			if chat.Server == types.HiddenUserServer && h.lids != nil {
				if pn := h.lids.ResolveLID(context.Background(), chat); pn.Server == types.DefaultUserServer {
					m.RemoteJIDAlt = pn.String()
				}
			}
			h.publish(m)
			count++
		}

		if name := conv.GetName(); name != "" {
			h.publish(&event.ContactUpdate{RemoteJID: chat.String(), Name: name})
		}
		if conv.UnreadCount != nil {
			h.publish(&event.ChatUnread{RemoteJID: chat.String(), UnreadCount: int(conv.GetUnreadCount())})
		}
	}

	h.logger.Debug("history sync translated",
		zap.Int("conversations", len(data.GetConversations())),
		zap.Int("messages", count),
	)
}
