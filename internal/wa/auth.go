package wa

import (
	"context"

	"github.com/matheus3301/wpprelay/internal/event"
	"go.mau.fi/whatsmeow"
)

// AuthEventType enumerates auth event types.
type AuthEventType string

const (
	AuthEventQRCode        AuthEventType = "qr_code"
	AuthEventAuthenticated AuthEventType = "authenticated"
	AuthEventAuthFailed    AuthEventType = "auth_failed"
	AuthEventTimeout       AuthEventType = "timeout"
)

// AuthEvent represents a pairing lifecycle event.
type AuthEvent struct {
	Type    AuthEventType
	QRCode  string
	Message string
}

// StartQRAuth begins the QR pairing flow. Every code is also published
// through h as a QR code update, so it reaches the instance's live clients
// the same way a gateway webhook would. The caller should read the returned
// channel until it closes.
func (a *Adapter) StartQRAuth(ctx context.Context, h *EventHandler) (<-chan AuthEvent, error) {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan AuthEvent, 10)

	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			out <- AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()}
			h.publish(&event.ConnectionState{State: "close"})
			return
		}

		for item := range qrChan {
			evt, done := authEvent(item)
			if evt.Type == "" {
				continue
			}
			out <- evt
			switch evt.Type {
			case AuthEventQRCode:
				h.publish(&event.QRCodeUpdate{Code: item.Code})
			case AuthEventTimeout, AuthEventAuthFailed:
				h.publish(&event.ConnectionState{State: "close"})
			}
			if done {
				return
			}
		}
	}()

	return out, nil
}

// authEvent maps a whatsmeow QR channel item. done reports whether the
// pairing flow is over.
func authEvent(item whatsmeow.QRChannelItem) (evt AuthEvent, done bool) {
	switch item.Event {
	case "code":
		return AuthEvent{Type: AuthEventQRCode, QRCode: item.Code}, false
	case "success":
		return AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"}, true
	case "timeout":
		return AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"}, true
	}
	if item.Error != nil {
		return AuthEvent{Type: AuthEventAuthFailed, Message: item.Error.Error()}, true
	}
	return AuthEvent{}, false
}
