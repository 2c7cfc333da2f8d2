package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/identity"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/status"
	"github.com/matheus3301/wpprelay/internal/store"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// HandleMessageUpsert ingests a new or redelivered message.
func (c *Coordinator) HandleMessageUpsert(ctx context.Context, instance string, e *event.MessageUpsert) error {
	_, err := c.Ingest(ctx, instance, e)
	return err
}

// HandleStatusUpdate advances a message's delivery status. Receipts for
// messages not stored yet are dropped; the gateway repeats the final status
// when the message itself arrives.
func (c *Coordinator) HandleStatusUpdate(ctx context.Context, instance string, e *event.StatusUpdate) error {
	if e.ExternalID == "" || e.Status == "" {
		return fmt.Errorf("%w: status update needs an id and a status", ErrInvalidEvent)
	}
	if err := c.checkInstance(ctx, instance); err != nil {
		return err
	}

	if e.RemoteJID != "" && !identity.IsGroup(e.RemoteJID) {
		res, err := c.resolver.Resolve(ctx, instance, e.RemoteJID, e.RemoteJIDAlt, false)
		if err != nil {
			return err
		}
		if res.Learned {
			c.reconcile(ctx, instance, res.Alias, res.JID)
		}
		if e.RemoteJIDAlt == "" {
			c.correlate(ctx, instance, e.ExternalID, e.RemoteJID)
		}
	}

	var (
		msg     *store.Message
		changed bool
	)
	err := c.db.Atomic(ctx, func(tx *store.Repo) error {
		var err error
		msg, changed, err = tx.UpdateMessageStatus(ctx, instance, e.ExternalID, e.Status)
		return err
	})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if msg == nil {
		c.logger.Debug("status for unknown message dropped",
			zap.String("instance", instance),
			zap.String("external_id", e.ExternalID),
			zap.String("status", string(e.Status)),
		)
		return nil
	}
	if changed {
		c.dispatcher.StatusChanged(instance, msg)
	}
	return nil
}

// HandleContactUpdate applies profile information to an existing
// conversation. Group names come from group lookups, not contact updates.
func (c *Coordinator) HandleContactUpdate(ctx context.Context, instance string, e *event.ContactUpdate) error {
	conv, err := c.existingConversation(ctx, instance, e.RemoteJID, e.RemoteJIDAlt)
	if err != nil || conv == nil {
		return err
	}
	name := e.Name
	if conv.IsGroup {
		name = ""
	}
	changed, err := c.db.UpdateConversationProfile(ctx, conv.ID, name, e.PictureURL)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if !changed {
		return nil
	}
	updated, err := c.db.GetConversation(ctx, conv.ID)
	if err != nil || updated == nil {
		return err
	}
	c.dispatcher.ConversationChanged(instance, notify.ConversationUpdated, updated)
	return nil
}

// HandleChatUnread stores the gateway's absolute unread counter.
func (c *Coordinator) HandleChatUnread(ctx context.Context, instance string, e *event.ChatUnread) error {
	conv, err := c.existingConversation(ctx, instance, e.RemoteJID, e.RemoteJIDAlt)
	if err != nil || conv == nil {
		return err
	}
	count := max(e.UnreadCount, 0)
	if conv.UnreadCount == count {
		return nil
	}
	updated, err := c.db.SetUnreadCount(ctx, conv.ID, count)
	if err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	c.dispatcher.ConversationChanged(instance, notify.ConversationUnread, updated)
	return nil
}

// HandlePresence forwards a presence indicator. Nothing is stored.
func (c *Coordinator) HandlePresence(ctx context.Context, instance string, e *event.PresenceUpdate) error {
	if err := c.checkInstance(ctx, instance); err != nil {
		return err
	}
	jid := identity.Normalize(e.RemoteJID, false)
	if identity.IsEphemeral(jid) {
		if canonical, err := c.resolver.Lookup(ctx, instance, jid); err == nil && canonical != "" {
			jid = canonical
		}
	}
	c.dispatcher.Notify(instance, notify.PresenceUpdated, notify.PresenceView{
		RemoteJID: jid,
		Presence:  e.Presence,
		LastSeen:  e.LastSeen,
	})
	return nil
}

// HandleConnection records the instance's connection state.
func (c *Coordinator) HandleConnection(ctx context.Context, instance string, e *event.ConnectionState) error {
	if err := c.checkInstance(ctx, instance); err != nil {
		return err
	}
	state := status.ParseState(e.State)
	change, ok := c.tracker.Set(instance, state, e.StatusCode)
	if !ok {
		return nil
	}
	c.logger.Info("instance connection changed",
		zap.String("instance", instance),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.Int("status_code", e.StatusCode),
	)
	return c.db.SetInstanceStatus(ctx, instance, string(state))
}

// HandleQRCode publishes a pairing code as a PNG data URL.
func (c *Coordinator) HandleQRCode(ctx context.Context, instance string, e *event.QRCodeUpdate) error {
	if err := c.checkInstance(ctx, instance); err != nil {
		return err
	}
	dataURL, err := qrDataURL(e)
	if err != nil {
		return err
	}
	c.dispatcher.Notify(instance, notify.QRCodeUpdated, notify.QRCodeView{Code: e.Code, DataURL: dataURL})
	return nil
}

func qrDataURL(e *event.QRCodeUpdate) (string, error) {
	if e.Base64 != "" {
		if strings.HasPrefix(e.Base64, "data:") {
			return e.Base64, nil
		}
		return "data:image/png;base64," + e.Base64, nil
	}
	if e.Code == "" {
		return "", fmt.Errorf("%w: empty qr code", ErrInvalidEvent)
	}
	png, err := qrcode.Encode(e.Code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// existingConversation resolves a remote identity to its stored
// conversation without creating one.
func (c *Coordinator) existingConversation(ctx context.Context, instance, raw, alt string) (*store.Conversation, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: missing remote identity", ErrInvalidEvent)
	}
	if err := c.checkInstance(ctx, instance); err != nil {
		return nil, err
	}
	res, err := c.resolver.Resolve(ctx, instance, raw, alt, identity.IsGroup(raw))
	if err != nil {
		return nil, err
	}
	if res.Learned {
		c.reconcile(ctx, instance, res.Alias, res.JID)
	}
	conv, err := c.db.FindConversation(ctx, instance, res.JID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		for _, variant := range identity.BrazilianVariants(res.JID) {
			if conv, err = c.db.FindConversation(ctx, instance, variant); err != nil || conv != nil {
				return conv, err
			}
		}
	}
	return conv, nil
}
