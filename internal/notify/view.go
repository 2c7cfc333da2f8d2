package notify

import "github.com/matheus3301/wpprelay/internal/store"

// Kind names an outbound real-time event.
type Kind string

const (
	MessageReceived        Kind = "message:received"
	MessageSent            Kind = "message:sent"
	MessageStatus          Kind = "message:status"
	MessageUpdated         Kind = "message:updated"
	ConversationUpdated    Kind = "conversation:updated"
	ConversationRead       Kind = "conversation:read"
	ConversationUnread     Kind = "conversation:unread"
	ConversationPinned     Kind = "conversation:pinned"
	ConversationUnpinned   Kind = "conversation:unpinned"
	ConversationArchived   Kind = "conversation:archived"
	ConversationUnarchived Kind = "conversation:unarchived"
	ConversationDeleted    Kind = "conversation:deleted"
	PresenceUpdated        Kind = "presence:updated"
	InstanceStatus         Kind = "instance:status"
	QRCodeUpdated          Kind = "qrcode:updated"
)

// ConversationView is the client representation of a conversation.
type ConversationView struct {
	ID            string `json:"id"`
	Instance      string `json:"instance"`
	RemoteJID     string `json:"remoteJid"`
	IsGroup       bool   `json:"isGroup"`
	Name          string `json:"name,omitempty"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt int64  `json:"lastMessageAt"`
	UnreadCount   int    `json:"unreadCount"`
	IsArchived    bool   `json:"isArchived"`
	IsPinned      bool   `json:"isPinned"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// MessageView is the client representation of a message.
type MessageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	RemoteJID      string `json:"remoteJid"`
	Participant    string `json:"participant,omitempty"`
	FromMe         bool   `json:"fromMe"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaMime      string `json:"mediaMime,omitempty"`
	ExternalID     string `json:"externalId"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
}

// StatusView is the payload of message:status.
type StatusView struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ExternalID     string `json:"externalId"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// DeletedView is the payload of conversation:deleted.
type DeletedView struct {
	ConversationID string `json:"conversationId"`
	// MergedInto is set when the conversation was folded into another.
	MergedInto string `json:"mergedInto,omitempty"`
}

// PresenceView is the payload of presence:updated.
type PresenceView struct {
	RemoteJID string `json:"remoteJid"`
	Presence  string `json:"presence"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// InstanceView is the payload of instance:status.
type InstanceView struct {
	State      string `json:"state"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// QRCodeView is the payload of qrcode:updated.
type QRCodeView struct {
	Code    string `json:"code"`
	DataURL string `json:"dataUrl"`
}

// ConversationFrom converts a stored conversation.
func ConversationFrom(c *store.Conversation) ConversationView {
	return ConversationView{
		ID:            c.ID,
		Instance:      c.InstanceID,
		RemoteJID:     c.RemoteJID,
		IsGroup:       c.IsGroup,
		Name:          c.Name,
		PictureURL:    c.PictureURL,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadCount,
		IsArchived:    c.IsArchived,
		IsPinned:      c.IsPinned,
		UpdatedAt:     c.UpdatedAt,
	}
}

// MessageFrom converts a stored message.
func MessageFrom(m *store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		RemoteJID:      m.RemoteJID,
		Participant:    m.Participant,
		FromMe:         m.FromMe,
		Type:           string(m.Type),
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		MediaMime:      m.MediaMime,
		ExternalID:     m.ExternalID,
		Status:         string(m.Status),
		Timestamp:      m.Timestamp,
	}
}
