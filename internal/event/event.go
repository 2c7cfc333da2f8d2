// Package event defines the inbound gateway events the relay reconciles.
//
// The set is closed: every event implements Event and dispatches itself to
// the matching Handler method, so adding a kind forces every handler to
// decide what to do with it.
package event

import (
	"context"

	"github.com/matheus3301/wpprelay/internal/store"
)

// Kind names an inbound event type.
type Kind string

const (
	KindMessageUpsert Kind = "messages.upsert"
	KindStatusUpdate  Kind = "messages.update"
	KindContactUpdate Kind = "contacts.update"
	KindChatUnread    Kind = "chats.update"
	KindPresence      Kind = "presence.update"
	KindConnection    Kind = "connection.update"
	KindQRCode        Kind = "qrcode.updated"
)

// Event is an inbound gateway event.
type Event interface {
	Kind() Kind
	// Accept calls the Handler method for the concrete event type.
	Accept(ctx context.Context, instance string, h Handler) error
	sealed()
}

// Handler processes each kind of inbound event.
type Handler interface {
	HandleMessageUpsert(ctx context.Context, instance string, e *MessageUpsert) error
	HandleStatusUpdate(ctx context.Context, instance string, e *StatusUpdate) error
	HandleContactUpdate(ctx context.Context, instance string, e *ContactUpdate) error
	HandleChatUnread(ctx context.Context, instance string, e *ChatUnread) error
	HandlePresence(ctx context.Context, instance string, e *PresenceUpdate) error
	HandleConnection(ctx context.Context, instance string, e *ConnectionState) error
	HandleQRCode(ctx context.Context, instance string, e *QRCodeUpdate) error
}

// Media is the transient, gateway-issued reference to an undownloaded file.
type Media struct {
	URL           string
	Mimetype      string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
	FileLength    uint64
	FileName      string
}

// MessageUpsert is a new or redelivered message.
type MessageUpsert struct {
	ExternalID string
	RemoteJID  string
	// RemoteJIDAlt is the stable identity sent alongside an ephemeral
	// RemoteJID, when the gateway knows it.
	RemoteJIDAlt   string
	Participant    string
	ParticipantAlt string
	FromMe         bool
	PushName       string
	Type           store.MessageType
	Content        string
	Media          *Media
	Status         store.Status
	// Timestamp is unix milliseconds.
	Timestamp int64
	// Historical marks messages replayed by a history sync.
	Historical bool
}

// StatusUpdate is a delivery receipt for a previously sent or received message.
type StatusUpdate struct {
	ExternalID   string
	RemoteJID    string
	RemoteJIDAlt string
	FromMe       bool
	Status       store.Status
	Timestamp    int64
}

// ContactUpdate carries profile information for a remote identity.
type ContactUpdate struct {
	RemoteJID    string
	RemoteJIDAlt string
	Name         string
	PictureURL   string
}

// ChatUnread carries the gateway's absolute unread counter for a chat.
type ChatUnread struct {
	RemoteJID    string
	RemoteJIDAlt string
	UnreadCount  int
}

// PresenceUpdate is a transient typing/online indicator. It is never stored.
type PresenceUpdate struct {
	RemoteJID string
	Presence  string
	LastSeen  int64
}

// ConnectionState reports the instance's link to the WhatsApp network.
type ConnectionState struct {
	State      string
	StatusCode int
}

// QRCodeUpdate carries a pairing code to be scanned by the phone.
type QRCodeUpdate struct {
	Code string
	// Base64 is an already rendered image, when the gateway sends one.
	Base64 string
}

func (*MessageUpsert) Kind() Kind   { return KindMessageUpsert }
func (*StatusUpdate) Kind() Kind    { return KindStatusUpdate }
func (*ContactUpdate) Kind() Kind   { return KindContactUpdate }
func (*ChatUnread) Kind() Kind      { return KindChatUnread }
func (*PresenceUpdate) Kind() Kind  { return KindPresence }
func (*ConnectionState) Kind() Kind { return KindConnection }
func (*QRCodeUpdate) Kind() Kind    { return KindQRCode }

func (e *MessageUpsert) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandleMessageUpsert(ctx, instance, e)
}

func (e *StatusUpdate) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandleStatusUpdate(ctx, instance, e)
}

func (e *ContactUpdate) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandleContactUpdate(ctx, instance, e)
}

func (e *ChatUnread) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandleChatUnread(ctx, instance, e)
}

func (e *PresenceUpdate) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandlePresence(ctx, instance, e)
}

func (e *ConnectionState) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandleConnection(ctx, instance, e)
}

func (e *QRCodeUpdate) Accept(ctx context.Context, instance string, h Handler) error {
	return h.HandleQRCode(ctx, instance, e)
}

func (*MessageUpsert) sealed()   {}
func (*StatusUpdate) sealed()    {}
func (*ContactUpdate) sealed()   {}
func (*ChatUnread) sealed()      {}
func (*PresenceUpdate) sealed()  {}
func (*ConnectionState) sealed() {}
func (*QRCodeUpdate) sealed()    {}

// Inbound pairs an event with the instance it belongs to. Embedded gateway
// drivers publish it on the bus.
type Inbound struct {
	Instance string
	Event    Event
}

// InboundKind is the bus kind Inbound payloads are published under.
const InboundKind = "wa.inbound"
