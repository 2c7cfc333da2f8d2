// Package notify turns committed store changes into real-time events.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

// ReadMarker sends read receipts to the gateway.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, instance string, keys []gateway.MessageKey) error
}

// Ingested describes the committed result of ingesting one message.
type Ingested struct {
	Conversation *store.Conversation
	Message      *store.Message
	Change       store.Change
	// ConversationChanged is set when the conversation summary moved:
	// creation, preview, unread counter or name.
	ConversationChanged bool
	Historical          bool
}

// Dispatcher publishes real-time events on the bus, scoped by instance.
type Dispatcher struct {
	bus      *bus.Bus
	registry *Registry
	marker   ReadMarker
	timeout  time.Duration
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Read receipts are bounded by timeout.
func NewDispatcher(b *bus.Bus, registry *Registry, marker ReadMarker, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:      b,
		registry: registry,
		marker:   marker,
		timeout:  timeout,
		logger:   logger,
	}
}

// Registry returns the active-conversation registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Notify publishes one event to the instance's subscribers.
func (d *Dispatcher) Notify(instance string, kind Kind, payload any) {
	d.bus.Publish(bus.Event{
		Scope:     instance,
		Kind:      string(kind),
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// MessageIngested emits the events for one ingested message: the message
// event first, then the conversation summary. A redelivery that changed
// nothing emits nothing. History sync is silent.
//
// An inbound message landing in a conversation that a client has open is
// marked as read on the gateway in the background.
func (d *Dispatcher) MessageIngested(instance string, in Ingested) {
	if in.Historical || in.Message == nil || in.Conversation == nil {
		return
	}

	switch in.Change {
	case store.Created:
		kind := MessageReceived
		if in.Message.FromMe {
			kind = MessageSent
		}
		d.Notify(instance, kind, MessageFrom(in.Message))
	case store.Updated:
		d.Notify(instance, MessageUpdated, MessageFrom(in.Message))
	}

	if in.ConversationChanged {
		d.Notify(instance, ConversationUpdated, ConversationFrom(in.Conversation))
	}

	if in.Change == store.Created && !in.Message.FromMe && d.registry.IsActive(in.Conversation.ID) {
		d.MarkRead(instance, []gateway.MessageKey{{
			RemoteJID:   in.Message.RemoteJID,
			ID:          in.Message.ExternalID,
			Participant: in.Message.Participant,
		}})
	}
}

// MessageUpdated announces a message changed after ingestion, such as a
// replaced media reference.
func (d *Dispatcher) MessageUpdated(instance string, m *store.Message) {
	d.Notify(instance, MessageUpdated, MessageFrom(m))
}

// StatusChanged announces a delivery status change.
func (d *Dispatcher) StatusChanged(instance string, m *store.Message) {
	d.Notify(instance, MessageStatus, StatusView{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		ExternalID:     m.ExternalID,
		Status:         string(m.Status),
	})
}

// ConversationChanged announces an updated conversation summary.
func (d *Dispatcher) ConversationChanged(instance string, kind Kind, c *store.Conversation) {
	d.Notify(instance, kind, ConversationFrom(c))
}

// MarkRead sends read receipts without blocking the caller. Failures are
// logged and dropped.
func (d *Dispatcher) MarkRead(instance string, keys []gateway.MessageKey) {
	if d.marker == nil || len(keys) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.marker.MarkAsRead(ctx, instance, keys); err != nil {
			d.logger.Warn("read receipt failed",
				zap.String("instance", instance),
				zap.Int("messages", len(keys)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight read receipts finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
