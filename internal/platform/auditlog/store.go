package auditlog

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("audit entry not found")
	ErrChainBroken = errors.New("audit chain integrity violation")
)

// Store persists the chain. Append must serialise on the chain head so that
// no two entries share a predecessor.
type Store interface {
	// Append assigns ID and CreatedAt, links e to the current head and
	// persists it.
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id int64) (*Entry, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	// Walk visits entries in chain order (created_at, id) within r.
	Walk(ctx context.Context, r Range, fn func(*Entry) error) error
	// HashBefore returns the stored hash of the entry preceding e in chain
	// order, or Genesis when e is first.
	HashBefore(ctx context.Context, e *Entry) (string, error)
	// Head returns the hash the next append will link to.
	Head(ctx context.Context) (string, error)
	// Rechain recomputes every hash from Genesis and rewrites the stored
	// pairs. Offline use only. Returns the number of entries rewritten.
	Rechain(ctx context.Context) (int, error)
}
