// Package api serves conversation actions over HTTP. Every action that
// changes a conversation is announced to real-time clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/identity"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/store"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// UnreadMarker flags a chat as unread on the gateway.
type UnreadMarker interface {
	MarkChatUnread(ctx context.Context, instance, remoteJID string) error
}

// Actions applies user actions to conversations.
type Actions struct {
	db         *store.DB
	dispatcher *notify.Dispatcher
	unread     UnreadMarker
	logger     *zap.Logger
}

// NewActions creates the action set. unread may be nil.
func NewActions(db *store.DB, d *notify.Dispatcher, unread UnreadMarker, logger *zap.Logger) *Actions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actions{db: db, dispatcher: d, unread: unread, logger: logger}
}

// Conversation returns a conversation of instance, or store.ErrNotFound.
func (a *Actions) Conversation(ctx context.Context, instance, id string) (*store.Conversation, error) {
	c, err := a.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.InstanceID != instance {
		return nil, store.ErrNotFound
	}
	return c, nil
}

// Read clears the unread counter and sends read receipts for the unread
// inbound messages. A conversation with nothing unread is left alone.
func (a *Actions) Read(ctx context.Context, instance, id string) (*store.Conversation, error) {
	c, err := a.Conversation(ctx, instance, id)
	if err != nil || c.UnreadCount == 0 {
		return c, err
	}

	msgs, err := a.db.ListMessages(ctx, c.ID, 0, c.UnreadCount)
	if err != nil {
		return nil, err
	}
	c, err = a.db.SetUnreadCount(ctx, c.ID, 0)
	if err != nil {
		return nil, err
	}
	a.dispatcher.ConversationChanged(instance, notify.ConversationRead, c)

	var keys []gateway.MessageKey
	for _, m := range msgs {
		if m.FromMe {
			continue
		}
		keys = append(keys, gateway.MessageKey{RemoteJID: m.RemoteJID, ID: m.ExternalID, Participant: m.Participant})
	}
	a.dispatcher.MarkRead(instance, keys)
	return c, nil
}

// Unread flags a conversation as unread. The counter becomes at least one.
func (a *Actions) Unread(ctx context.Context, instance, id string) (*store.Conversation, error) {
	c, err := a.Conversation(ctx, instance, id)
	if err != nil {
		return nil, err
	}
	if c.UnreadCount == 0 {
		if c, err = a.db.SetUnreadCount(ctx, c.ID, 1); err != nil {
			return nil, err
		}
	}
	a.dispatcher.ConversationChanged(instance, notify.ConversationUnread, c)

	if a.unread != nil {
		if err := a.unread.MarkChatUnread(ctx, instance, c.RemoteJID); err != nil {
			a.logger.Warn("mark chat unread on gateway failed",
				zap.String("instance", instance),
				zap.String("conversation_id", c.ID),
				zap.Error(err),
			)
		}
	}
	return c, nil
}

// SetPinned pins or unpins a conversation.
func (a *Actions) SetPinned(ctx context.Context, instance, id string, pinned bool) (*store.Conversation, error) {
	c, err := a.Conversation(ctx, instance, id)
	if err != nil || c.IsPinned == pinned {
		return c, err
	}
	if c, err = a.db.SetPinned(ctx, c.ID, pinned); err != nil {
		return nil, err
	}
	kind := notify.ConversationUnpinned
	if pinned {
		kind = notify.ConversationPinned
	}
	a.dispatcher.ConversationChanged(instance, kind, c)
	return c, nil
}

// SetArchived archives or unarchives a conversation.
func (a *Actions) SetArchived(ctx context.Context, instance, id string, archived bool) (*store.Conversation, error) {
	c, err := a.Conversation(ctx, instance, id)
	if err != nil || c.IsArchived == archived {
		return c, err
	}
	if c, err = a.db.SetArchived(ctx, c.ID, archived); err != nil {
		return nil, err
	}
	kind := notify.ConversationUnarchived
	if archived {
		kind = notify.ConversationArchived
	}
	a.dispatcher.ConversationChanged(instance, kind, c)
	return c, nil
}

// Delete removes a conversation and its messages.
func (a *Actions) Delete(ctx context.Context, instance, id string) error {
	c, err := a.Conversation(ctx, instance, id)
	if err != nil {
		return err
	}
	if err := a.db.DeleteConversation(ctx, c.ID); err != nil {
		return err
	}
	a.dispatcher.Notify(instance, notify.ConversationDeleted, notify.DeletedView{ConversationID: c.ID})
	return nil
}

// Send queues a text message for the outbox and returns its client id.
func (a *Actions) Send(ctx context.Context, instance, to, text string) (string, error) {
	if strings.TrimSpace(to) == "" || text == "" {
		return "", fmt.Errorf("%w: message needs a recipient and text", ErrInvalidRequest)
	}
	inst, err := a.db.GetInstance(ctx, instance)
	if err != nil {
		return "", err
	}
	if inst == nil {
		return "", store.ErrNotFound
	}

	jid := identity.Normalize(to, identity.IsGroup(to))
	if !strings.Contains(jid, "@") {
		return "", fmt.Errorf("%w: cannot address %q", ErrInvalidRequest, to)
	}
	clientMsgID := xid.New().String()
	if err := a.db.QueueOutbox(ctx, clientMsgID, instance, jid, text); err != nil {
		return "", err
	}
	return clientMsgID, nil
}
