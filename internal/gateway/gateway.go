// Package gateway defines the WhatsApp gateway collaborator and its REST driver.
package gateway

import (
	"context"
	"errors"

	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/store"
)

// ErrGateway wraps every failure reported by a gateway driver.
var ErrGateway = errors.New("gateway error")

// ErrDisabled is returned by the driver used when no gateway is configured.
var ErrDisabled = errors.New("gateway disabled")

// MessageKey addresses one message on the gateway.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

// SendMediaRequest is an outbound media message. Exactly one of URL and Data
// is set.
type SendMediaRequest struct {
	To       string
	Type     store.MessageType
	Mimetype string
	FileName string
	Caption  string
	URL      string
	Data     []byte
}

// MediaRequest identifies the media of a received message.
type MediaRequest struct {
	Key   MessageKey
	Type  store.MessageType
	Media event.Media
}

// ContactInfo is the gateway's view of an individual.
type ContactInfo struct {
	JID        string
	Name       string
	PictureURL string
}

// GroupInfo is the gateway's view of a group.
type GroupInfo struct {
	JID        string
	Subject    string
	PictureURL string
}

// Client is the set of gateway operations the relay consumes.
type Client interface {
	SendText(ctx context.Context, instance, to, text string) (string, error)
	SendMedia(ctx context.Context, instance string, req SendMediaRequest) (string, error)
	MarkAsRead(ctx context.Context, instance string, keys []MessageKey) error
	MarkChatUnread(ctx context.Context, instance, remoteJID string) error
	FetchContactInfo(ctx context.Context, instance, jid string) (*ContactInfo, error)
	FetchGroupInfo(ctx context.Context, instance, jid string) (*GroupInfo, error)
	DownloadMedia(ctx context.Context, instance string, req MediaRequest) ([]byte, error)
}

// Disabled is a Client whose every call fails with ErrDisabled.
type Disabled struct{}

func (Disabled) SendText(context.Context, string, string, string) (string, error) {
	return "", ErrDisabled
}

func (Disabled) SendMedia(context.Context, string, SendMediaRequest) (string, error) {
	return "", ErrDisabled
}

func (Disabled) MarkAsRead(context.Context, string, []MessageKey) error { return ErrDisabled }

func (Disabled) MarkChatUnread(context.Context, string, string) error { return ErrDisabled }

func (Disabled) FetchContactInfo(context.Context, string, string) (*ContactInfo, error) {
	return nil, ErrDisabled
}

func (Disabled) FetchGroupInfo(context.Context, string, string) (*GroupInfo, error) {
	return nil, ErrDisabled
}

func (Disabled) DownloadMedia(context.Context, string, MediaRequest) ([]byte, error) {
	return nil, ErrDisabled
}
