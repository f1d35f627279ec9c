package pipeline

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"teleclaude/internal/domain"
)

// dedupCacheSize bounds the in-memory set of recently seen idempotency keys.
// The envelope log remains the authority; the cache only saves the query.
const dedupCacheSize = 4096

// DedupStore is the slice of the envelope log the dedup cartridge reads.
// *sqlite.EnvelopeRepository satisfies it.
type DedupStore interface {
	SeenIdempotencyKey(key, excludeEnvelopeID string) (bool, error)
}

// Dedup drops republished envelopes: an idempotency key that was already
// logged under a different envelope id suppresses the newcomer. Envelopes
// without a key always pass.
type Dedup struct {
	store DedupStore
	seen  *lru.Cache[string, struct{}]
}

// NewDedup builds the dedup cartridge over the envelope log.
func NewDedup(store DedupStore) (*Dedup, error) {
	cache, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Dedup{store: store, seen: cache}, nil
}

// Name implements Cartridge.
func (d *Dedup) Name() string { return "dedup" }

// Process implements Cartridge. The published envelope is already in the
// log when the pipeline runs, so the store check excludes its own id. An
// error from the store fails open: losing dedup for one envelope beats
// losing the envelope.
func (d *Dedup) Process(_ context.Context, env *domain.EventEnvelope) (*domain.EventEnvelope, error) {
	if env.IdempotencyKey == "" {
		return env, nil
	}

	if _, hit := d.seen.Get(env.IdempotencyKey); hit {
		return nil, nil
	}

	seen, err := d.store.SeenIdempotencyKey(env.IdempotencyKey, env.EnvelopeID)
	if err != nil {
		return env, fmt.Errorf("dedup lookup for %s: %w", env.EnvelopeID, err)
	}
	if seen {
		d.seen.Add(env.IdempotencyKey, struct{}{})
		return nil, nil
	}

	d.seen.Add(env.IdempotencyKey, struct{}{})
	return env, nil
}
