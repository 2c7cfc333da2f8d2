package identity

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// AliasStore persists ephemeral→canonical mappings per instance.
type AliasStore interface {
	// LookupAlias returns the canonical identity for alias, or "" when unknown.
	LookupAlias(ctx context.Context, instance, alias string) (string, error)
	// SaveAlias records alias→canonical unless alias is already mapped, and
	// returns the mapping that is now stored.
	SaveAlias(ctx context.Context, instance, alias, canonical string) (stored string, created bool, err error)
}

// Resolution is the outcome of resolving one raw identity.
type Resolution struct {
	Identity
	// Alias is the ephemeral token the identity was resolved from, if any.
	Alias string
	// Unresolved is set when an ephemeral identity has no known mapping; the
	// Identity is then the ephemeral token itself.
	Unresolved bool
	// Learned is set when this call recorded a new alias mapping.
	Learned bool
}

// Mapping is a recorded ephemeral→canonical pair.
type Mapping struct {
	Instance  string
	Alias     string
	Canonical string
}

// Options bounds the in-memory caches.
type Options struct {
	AliasCacheSize int
	PendingSize    int
}

type aliasKey struct {
	instance string
	alias    string
}

type pendingKey struct {
	instance   string
	externalID string
}

type pendingPair struct {
	ephemeral string
	stable    string
}

// Resolver resolves ephemeral identities using, in order: a stable alternate
// identity carried on the same event, a recorded mapping, or nothing.
type Resolver struct {
	store   AliasStore
	aliases *lru.Cache[aliasKey, string]
	pending *lru.Cache[pendingKey, pendingPair]
	logger  *zap.Logger

	// pmu serializes the read-modify-write of a pending correlation pair.
	pmu sync.Mutex
}

// NewResolver creates a resolver backed by store.
func NewResolver(store AliasStore, opts Options, logger *zap.Logger) (*Resolver, error) {
	if opts.AliasCacheSize <= 0 {
		opts.AliasCacheSize = 10000
	}
	if opts.PendingSize <= 0 {
		opts.PendingSize = 4096
	}
	aliases, err := lru.New[aliasKey, string](opts.AliasCacheSize)
	if err != nil {
		return nil, fmt.Errorf("alias cache: %w", err)
	}
	pending, err := lru.New[pendingKey, pendingPair](opts.PendingSize)
	if err != nil {
		return nil, fmt.Errorf("pending cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, aliases: aliases, pending: pending, logger: logger}, nil
}

// Resolve canonicalizes raw and, when it is ephemeral, resolves it to a
// stable identity. Failing to resolve is not an error.
func (r *Resolver) Resolve(ctx context.Context, instance, raw, alternate string, isGroup bool) (Resolution, error) {
	id := Canonicalize(raw, isGroup)
	if id.Class != ClassEphemeral {
		return Resolution{Identity: id}, nil
	}

	if alternate != "" {
		alt := Canonicalize(alternate, false)
		if alt.Class == ClassIndividual {
			learned, err := r.Remember(ctx, instance, id.JID, alt.JID)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Identity: alt, Alias: id.JID, Learned: learned}, nil
		}
	}

	canonical, err := r.lookup(ctx, instance, id.JID)
	if err != nil {
		return Resolution{}, err
	}
	if canonical != "" {
		return Resolution{Identity: Canonicalize(canonical, false), Alias: id.JID}, nil
	}

	r.logger.Warn("unresolved ephemeral identity",
		zap.String("instance", instance),
		zap.String("identity", id.JID),
	)
	return Resolution{Identity: id, Alias: id.JID, Unresolved: true}, nil
}

// Lookup returns the recorded canonical identity for an ephemeral alias, or
// "" when none is known.
func (r *Resolver) Lookup(ctx context.Context, instance, alias string) (string, error) {
	return r.lookup(ctx, instance, Normalize(alias, false))
}

func (r *Resolver) lookup(ctx context.Context, instance, alias string) (string, error) {
	key := aliasKey{instance: instance, alias: alias}
	if canonical, ok := r.aliases.Get(key); ok {
		return canonical, nil
	}
	canonical, err := r.store.LookupAlias(ctx, instance, alias)
	if err != nil {
		return "", fmt.Errorf("lookup alias %s: %w", alias, err)
	}
	if canonical != "" {
		r.aliases.Add(key, canonical)
	}
	return canonical, nil
}

// Remember records alias→canonical. The first stable identity recorded for an
// alias wins. It reports whether a new mapping was stored.
func (r *Resolver) Remember(ctx context.Context, instance, alias, canonical string) (bool, error) {
	key := aliasKey{instance: instance, alias: alias}
	if existing, ok := r.aliases.Get(key); ok {
		return false, r.warnConflict(instance, alias, existing, canonical)
	}
	stored, created, err := r.store.SaveAlias(ctx, instance, alias, canonical)
	if err != nil {
		return false, fmt.Errorf("save alias %s: %w", alias, err)
	}
	r.aliases.Add(key, stored)
	if !created {
		return false, r.warnConflict(instance, alias, stored, canonical)
	}
	r.logger.Info("alias recorded",
		zap.String("instance", instance),
		zap.String("alias", alias),
		zap.String("canonical", stored),
	)
	return true, nil
}

func (r *Resolver) warnConflict(instance, alias, existing, proposed string) error {
	if existing != proposed {
		r.logger.Warn("conflicting alias mapping ignored",
			zap.String("instance", instance),
			zap.String("alias", alias),
			zap.String("existing", existing),
			zap.String("proposed", proposed),
		)
	}
	return nil
}

// Correlate records one half of an (ephemeral, stable) identity pair observed
// for externalID. When both halves are known the forward mapping is stored
// and returned with ok set.
func (r *Resolver) Correlate(ctx context.Context, instance, externalID, raw string) (m Mapping, ok bool, err error) {
	if externalID == "" || raw == "" {
		return Mapping{}, false, nil
	}
	id := Canonicalize(raw, false)
	if id.Class != ClassEphemeral && id.Class != ClassIndividual {
		return Mapping{}, false, nil
	}

	key := pendingKey{instance: instance, externalID: externalID}

	r.pmu.Lock()
	pair, _ := r.pending.Get(key)
	if id.Class == ClassEphemeral {
		pair.ephemeral = id.JID
	} else {
		pair.stable = id.JID
	}
	complete := pair.ephemeral != "" && pair.stable != ""
	if complete {
		r.pending.Remove(key)
	} else {
		r.pending.Add(key, pair)
	}
	r.pmu.Unlock()

	if !complete {
		return Mapping{}, false, nil
	}
	learned, err := r.Remember(ctx, instance, pair.ephemeral, pair.stable)
	if err != nil {
		return Mapping{}, false, err
	}
	return Mapping{Instance: instance, Alias: pair.ephemeral, Canonical: pair.stable}, learned, nil
}
