// Package matcher finds or creates the single conversation for a remote
// identity, healing rows stored under an older spelling of the same number.
package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wpprelay/internal/identity"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyIdentity is returned when a request's remote identity resolves to
// nothing.
var ErrEmptyIdentity = errors.New("empty remote identity")

// Outcome reports how a conversation was found.
type Outcome int

const (
	// Matched means a conversation already existed under the canonical identity.
	Matched Outcome = iota
	// Healed means a conversation stored under a variant spelling was
	// renamed to the canonical identity.
	Healed
	// Created means a new conversation was inserted.
	Created
)

func (o Outcome) String() string {
	switch o {
	case Healed:
		return "healed"
	case Created:
		return "created"
	default:
		return "matched"
	}
}

// Request describes the remote side of an inbound event.
type Request struct {
	Instance  string
	RemoteJID string
	// Alternate is the stable identity sent next to an ephemeral RemoteJID.
	Alternate string
	IsGroup   bool
	// PushName is the sender's self-chosen display name, if any.
	PushName string
	FromMe   bool
}

// Match is the conversation an event belongs to.
type Match struct {
	Conversation *store.Conversation
	Outcome      Outcome
	Resolution   identity.Resolution
	// NameChanged is set when the push name updated the conversation.
	NameChanged bool
}

// Matcher maps remote identities onto conversations.
type Matcher struct {
	resolver *identity.Resolver
	logger   *zap.Logger
}

// New creates a matcher.
func New(resolver *identity.Resolver, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{resolver: resolver, logger: logger}
}

// Identify resolves the request's remote identity. It may touch the alias
// store, so callers run it before opening the write transaction.
func (m *Matcher) Identify(ctx context.Context, req Request) (identity.Resolution, error) {
	isGroup := req.IsGroup || identity.IsGroup(req.RemoteJID)
	res, err := m.resolver.Resolve(ctx, req.Instance, req.RemoteJID, req.Alternate, isGroup)
	if err != nil {
		return identity.Resolution{}, fmt.Errorf("resolve identity: %w", err)
	}
	if res.IsZero() {
		return identity.Resolution{}, ErrEmptyIdentity
	}
	return res, nil
}

// Match finds or creates the conversation for res inside tx.
//
// Lookup order: the canonical identity, then for Brazilian individual
// numbers both national-length variants (renaming the row found to the
// canonical identity), then insert. A concurrent insert of the same identity
// surfaces as store.ErrDuplicate and is resolved by fetching the winner.
func (m *Matcher) Match(ctx context.Context, tx *store.Repo, req Request, res identity.Resolution) (*Match, error) {
	canonical := res.JID
	isGroup := res.Class == identity.ClassGroup

	conv, err := tx.FindConversation(ctx, req.Instance, canonical)
	if err != nil {
		return nil, err
	}
	outcome := Matched

	if conv == nil && res.Class == identity.ClassIndividual {
		conv, err = m.heal(ctx, tx, req.Instance, canonical)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			outcome = Healed
		}
	}

	if conv == nil {
		conv, err = tx.CreateConversation(ctx, &store.Conversation{
			InstanceID: req.Instance,
			RemoteJID:  canonical,
			IsGroup:    isGroup,
		})
		switch {
		case err == nil:
			outcome = Created
		case errors.Is(err, store.ErrDuplicate):
			conv, err = tx.FindConversation(ctx, req.Instance, canonical)
			if err != nil {
				return nil, err
			}
			if conv == nil {
				return nil, fmt.Errorf("conversation %s vanished after conflict", canonical)
			}
			m.logger.Debug("conversation created concurrently",
				zap.String("instance", req.Instance),
				zap.String("remote_jid", canonical),
			)
		default:
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}

	match := &Match{Conversation: conv, Outcome: outcome, Resolution: res}

	// Push names belong to the sender: never apply our own, and never let a
	// group member rename the group.
	if req.PushName != "" && !req.FromMe && !isGroup && res.Class == identity.ClassIndividual && conv.Name != req.PushName {
		changed, err := tx.UpdateConversationProfile(ctx, conv.ID, req.PushName, "")
		if err != nil {
			return nil, fmt.Errorf("update push name: %w", err)
		}
		if changed {
			conv.Name = req.PushName
			match.NameChanged = true
		}
	}
	return match, nil
}

func (m *Matcher) heal(ctx context.Context, tx *store.Repo, instance, canonical string) (*store.Conversation, error) {
	for _, variant := range identity.BrazilianVariants(canonical) {
		if variant == canonical {
			continue
		}
		conv, err := tx.FindConversation(ctx, instance, variant)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			continue
		}
		if err := tx.RenameConversation(ctx, conv.ID, canonical); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Someone created the canonical row meanwhile; use it.
				return tx.FindConversation(ctx, instance, canonical)
			}
			return nil, fmt.Errorf("heal conversation: %w", err)
		}
		m.logger.Info("conversation healed",
			zap.String("instance", instance),
			zap.String("from", variant),
			zap.String("to", canonical),
		)
		conv.RemoteJID = canonical
		return conv, nil
	}
	return nil, nil
}

// Resolve identifies req and matches it in its own transaction.
func (m *Matcher) Resolve(ctx context.Context, db *store.DB, req Request) (*Match, error) {
	res, err := m.Identify(ctx, req)
	if err != nil {
		return nil, err
	}
	var match *Match
	err = db.Atomic(ctx, func(tx *store.Repo) error {
		var err error
		match, err = m.Match(ctx, tx, req, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}
