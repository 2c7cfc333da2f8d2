// Package ingest reconciles inbound gateway events into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/event"
	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/identity"
	"github.com/matheus3301/wpprelay/internal/matcher"
	"github.com/matheus3301/wpprelay/internal/media"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/status"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownInstance is returned for events addressed to an instance the
	// store has no record of.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
)

const previewLen = 100

// MediaScheduler runs post-commit media jobs.
type MediaScheduler interface {
	Schedule(ctx context.Context, job media.Job) <-chan media.Result
}

// Enricher looks up profile information for new conversations.
type Enricher interface {
	FetchContactInfo(ctx context.Context, instance, jid string) (*gateway.ContactInfo, error)
	FetchGroupInfo(ctx context.Context, instance, jid string) (*gateway.GroupInfo, error)
}

// Options wires the optional collaborators.
type Options struct {
	Media         MediaScheduler
	Enricher      Enricher
	EnrichTimeout time.Duration
}

// Result is the committed outcome of ingesting one message.
type Result struct {
	Conversation        *store.Conversation
	Message             *store.Message
	Change              store.Change
	Outcome             matcher.Outcome
	ConversationChanged bool
}

// Coordinator ingests inbound events. It implements event.Handler.
type Coordinator struct {
	db         *store.DB
	resolver   *identity.Resolver
	matcher    *matcher.Matcher
	dispatcher *notify.Dispatcher
	tracker    *status.Tracker
	bus        *bus.Bus
	logger     *zap.Logger

	media         MediaScheduler
	enricher      Enricher
	enrichTimeout time.Duration
	lookups       singleflight.Group

	wg     sync.WaitGroup
	loop   sync.WaitGroup
	cancel context.CancelFunc
}

var _ event.Handler = (*Coordinator)(nil)

// New creates a coordinator.
func New(db *store.DB, resolver *identity.Resolver, m *matcher.Matcher, d *notify.Dispatcher,
	tracker *status.Tracker, b *bus.Bus, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 15 * time.Second
	}
	return &Coordinator{
		db:            db,
		resolver:      resolver,
		matcher:       m,
		dispatcher:    d,
		tracker:       tracker,
		bus:           b,
		logger:        logger,
		media:         opts.Media,
		enricher:      opts.Enricher,
		enrichTimeout: opts.EnrichTimeout,
	}
}

// Start subscribes to events published on the bus by embedded gateway
// drivers.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	ch, unsub := c.bus.Subscribe(event.InboundKind, 1024)
	c.loop.Add(1)
	go func() {
		defer c.loop.Done()
		for {
			evicted := c.consume(ctx, ch)
			unsub()
			if !evicted {
				return
			}
			c.logger.Error("inbound subscription fell behind and was evicted, resubscribing")
			ch, unsub = c.bus.Subscribe(event.InboundKind, 1024)
		}
	}()
}

func (c *Coordinator) consume(ctx context.Context, ch <-chan bus.Event) bool {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return true
			}
			c.handleEvent(ctx, evt)
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, evt bus.Event) {
	in, ok := evt.Payload.(event.Inbound)
	if !ok || in.Event == nil {
		return
	}
	if err := in.Event.Accept(ctx, in.Instance, c); err != nil {
		c.logger.Error("failed to handle inbound event",
			zap.String("instance", in.Instance),
			zap.String("kind", string(in.Event.Kind())),
			zap.Error(err),
		)
	}
}

// Stop stops consuming bus events and waits for background work.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.loop.Wait()
	c.Wait()
}

// Wait blocks until background enrichment and read receipts finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
	c.dispatcher.Wait()
}

// Ingest stores one message and notifies clients.
//
// Identity resolution runs before the transaction. Conversation match or
// creation, message upsert, preview and unread counter are committed
// together; notifications, media and enrichment run after commit and
// never fail the ingestion.
func (c *Coordinator) Ingest(ctx context.Context, instance string, e *event.MessageUpsert) (*Result, error) {
	if e == nil || e.ExternalID == "" || strings.TrimSpace(e.RemoteJID) == "" {
		return nil, fmt.Errorf("%w: message needs an id and a remote identity", ErrInvalidEvent)
	}
	if err := c.checkInstance(ctx, instance); err != nil {
		return nil, err
	}

	req := matcher.Request{
		Instance:  instance,
		RemoteJID: e.RemoteJID,
		Alternate: e.RemoteJIDAlt,
		IsGroup:   identity.IsGroup(e.RemoteJID),
		PushName:  e.PushName,
		FromMe:    e.FromMe,
	}
	res, err := c.matcher.Identify(ctx, req)
	if errors.Is(err, matcher.ErrEmptyIdentity) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err != nil {
		return nil, err
	}
	if res.Learned {
		c.reconcile(ctx, instance, res.Alias, res.JID)
	}
	if res.Class != identity.ClassGroup && e.RemoteJIDAlt == "" {
		c.correlate(ctx, instance, e.ExternalID, e.RemoteJID)
	}

	msg := c.buildMessage(instance, e)

	var (
		result Result
		match  *matcher.Match
	)
	err = c.db.Atomic(ctx, func(tx *store.Repo) error {
		var err error
		match, err = c.matcher.Match(ctx, tx, req, res)
		if err != nil {
			return err
		}
		conv := match.Conversation
		msg.ConversationID = conv.ID

		stored, change, err := tx.UpsertMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}

		changed := match.Outcome != matcher.Matched || match.NameChanged
		if change != store.Unchanged {
			moved, err := tx.TouchPreview(ctx, conv.ID, preview(stored), stored.Timestamp)
			if err != nil {
				return fmt.Errorf("touch preview: %w", err)
			}
			changed = changed || moved
		}

		rule := c.unreadRule(conv.ID, e, change)
		if rule != store.UnreadKeep {
			moved, err := tx.RecomputeUnread(ctx, conv.ID, rule)
			if err != nil {
				return fmt.Errorf("recompute unread: %w", err)
			}
			changed = changed || moved
		}

		if changed {
			conv, err = tx.GetConversation(ctx, conv.ID)
			if err != nil {
				return fmt.Errorf("reload conversation: %w", err)
			}
		}
		result = Result{
			Conversation:        conv,
			Message:             stored,
			Change:              change,
			Outcome:             match.Outcome,
			ConversationChanged: changed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("message ingested",
		zap.String("instance", instance),
		zap.String("external_id", e.ExternalID),
		zap.String("conversation_id", result.Conversation.ID),
		zap.Stringer("change", result.Change),
		zap.Stringer("outcome", result.Outcome),
	)

	c.dispatcher.MessageIngested(instance, notify.Ingested{
		Conversation:        result.Conversation,
		Message:             result.Message,
		Change:              result.Change,
		ConversationChanged: result.ConversationChanged,
		Historical:          e.Historical,
	})
	c.scheduleMedia(ctx, instance, e, &result)
	if result.Outcome == matcher.Created && !e.Historical {
		c.enrich(ctx, instance, result.Conversation)
	}
	return &result, nil
}

// unreadRule decides how a message moves its conversation's counter.
// Only the first delivery of a message counts; history replays never do.
func (c *Coordinator) unreadRule(convID string, e *event.MessageUpsert, change store.Change) store.UnreadRule {
	switch {
	case change != store.Created || e.Historical:
		return store.UnreadKeep
	case e.FromMe:
		return store.UnreadReset
	case c.dispatcher.Registry().IsActive(convID):
		return store.UnreadReset
	default:
		return store.UnreadIncrement
	}
}

func (c *Coordinator) buildMessage(instance string, e *event.MessageUpsert) *store.Message {
	msg := &store.Message{
		InstanceID: instance,
		RemoteJID:  e.RemoteJID,
		FromMe:     e.FromMe,
		Type:       e.Type,
		Content:    e.Content,
		ExternalID: e.ExternalID,
		Status:     e.Status,
		Timestamp:  e.Timestamp,
	}
	if e.ParticipantAlt != "" {
		msg.Participant = identity.Normalize(e.ParticipantAlt, false)
	} else if e.Participant != "" {
		msg.Participant = identity.Normalize(e.Participant, false)
	}
	if msg.Type == "" {
		msg.Type = store.TypeUnknown
	}
	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.Status == "" {
		msg.Status = store.StatusDelivered
		if e.FromMe {
			msg.Status = store.StatusSent
		}
	}
	if e.Media != nil {
		msg.MediaURL = e.Media.URL
		msg.MediaMime = e.Media.Mimetype
	}
	return msg
}

func (c *Coordinator) scheduleMedia(ctx context.Context, instance string, e *event.MessageUpsert, r *Result) {
	if c.media == nil || r.Change != store.Created || !r.Message.Type.HasMedia() || e.Media == nil {
		return
	}
	if e.Media.URL == "" && e.Media.DirectPath == "" {
		return
	}
	c.media.Schedule(context.WithoutCancel(ctx), media.Job{
		MessageID: r.Message.ID,
		Instance:  instance,
		Request: gateway.MediaRequest{
			Key: gateway.MessageKey{
				RemoteJID:   e.RemoteJID,
				ID:          e.ExternalID,
				FromMe:      e.FromMe,
				Participant: e.Participant,
			},
			Type:  r.Message.Type,
			Media: *e.Media,
		},
	})
}

func (c *Coordinator) checkInstance(ctx context.Context, instance string) error {
	if instance == "" {
		return fmt.Errorf("%w: missing instance", ErrInvalidEvent)
	}
	inst, err := c.db.GetInstance(ctx, instance)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instance)
	}
	return nil
}

// correlate records raw as one half of an identity pair for externalID and
// reconciles the conversations once the pair is complete.
func (c *Coordinator) correlate(ctx context.Context, instance, externalID, raw string) {
	m, learned, err := c.resolver.Correlate(ctx, instance, externalID, raw)
	if err != nil {
		c.logger.Warn("identity correlation failed",
			zap.String("instance", instance),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return
	}
	if learned {
		c.reconcile(ctx, instance, m.Alias, m.Canonical)
	}
}

// reconcile folds a conversation stored under an ephemeral alias into its
// canonical identity.
func (c *Coordinator) reconcile(ctx context.Context, instance, alias, canonical string) {
	if alias == "" || canonical == "" || alias == canonical {
		return
	}
	var fold *store.Fold
	err := c.db.Atomic(ctx, func(tx *store.Repo) error {
		var err error
		fold, err = tx.FoldAlias(ctx, instance, alias, canonical)
		return err
	})
	if err != nil {
		c.logger.Warn("alias reconciliation failed",
			zap.String("instance", instance),
			zap.String("alias", alias),
			zap.String("canonical", canonical),
			zap.Error(err),
		)
		return
	}
	if fold == nil {
		return
	}
	c.logger.Info("alias conversation reconciled",
		zap.String("instance", instance),
		zap.String("alias", alias),
		zap.String("canonical", canonical),
		zap.Bool("merged", fold.RemovedID != ""),
	)
	if fold.RemovedID != "" {
		c.dispatcher.Notify(instance, notify.ConversationDeleted, notify.DeletedView{
			ConversationID: fold.RemovedID,
			MergedInto:     fold.Conversation.ID,
		})
	}
	c.dispatcher.ConversationChanged(instance, notify.ConversationUpdated, fold.Conversation)
}

// preview is the conversation summary text for m.
func preview(m *store.Message) string {
	text := strings.TrimSpace(m.Content)
	if text == "" {
		text = "[" + strings.ToLower(string(m.Type)) + "]"
	}
	return truncate(text, previewLen)
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}
