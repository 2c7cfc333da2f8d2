// Package outbox drains queued outbound messages through the gateway.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/ingest"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

// TextSender sends text messages through the gateway.
type TextSender interface {
	SendText(ctx context.Context, instance, to, text string) (serverMsgID string, err error)
}

// Ingester stores a sent message the same way an inbound one is stored.
type Ingester interface {
	Ingest(ctx context.Context, instance string, e *event.MessageUpsert) (*ingest.Result, error)
}

// Notifier publishes real-time events.
type Notifier interface {
	Notify(instance string, kind notify.Kind, payload any)
}

// Options configures the sender loop.
type Options struct {
	Interval time.Duration
	Batch    int
}

// Sender drains the outbox and sends messages via the gateway.
type Sender struct {
	db       *store.DB
	sender   TextSender
	ingester Ingester
	notifier Notifier
	opts     Options
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender TextSender, ingester Ingester, notifier Notifier, opts Options, logger *zap.Logger) *Sender {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		sender:   sender,
		ingester: ingester,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx, s.opts.Batch)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	logger := s.logger.With(
		zap.String("instance", entry.InstanceID),
		zap.String("client_msg_id", entry.ClientMsgID),
	)

	claimed, err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID)
	if err != nil {
		logger.Error("failed to mark sending", zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	serverMsgID, err := s.sender.SendText(ctx, entry.InstanceID, entry.RemoteJID, entry.Body)
	if err != nil {
		logger.Error("failed to send message", zap.Error(err))
		if err := s.db.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); err != nil {
			logger.Error("failed to mark failed", zap.Error(err))
		}
		s.notifier.Notify(entry.InstanceID, notify.MessageStatus, notify.StatusView{
			ExternalID: entry.ClientMsgID,
			Status:     string(store.StatusFailed),
			Error:      err.Error(),
		})
		return
	}

	if err := s.db.MarkOutboxSent(ctx, entry.ClientMsgID, serverMsgID); err != nil {
		logger.Error("failed to mark sent", zap.Error(err))
	}

	// The gateway may echo the message back; the external id makes that a
	// no-op.
	if _, err := s.ingester.Ingest(ctx, entry.InstanceID, &event.MessageUpsert{
		ExternalID: serverMsgID,
		RemoteJID:  entry.RemoteJID,
		FromMe:     true,
		Type:       store.TypeText,
		Content:    entry.Body,
		Status:     store.StatusSent,
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		logger.Error("failed to store sent message", zap.String("server_msg_id", serverMsgID), zap.Error(err))
		return
	}

	logger.Info("message sent", zap.String("server_msg_id", serverMsgID))
}
