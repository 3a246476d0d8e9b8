package usage

import (
	"context"
	"time"
)

// Repository stores daily counters. Increment must be a single atomic
// operation on the backing store; callers never read-modify-write.
type Repository interface {
	Increment(ctx context.Context, tenantID string, day time.Time, d Delta) error
	// Get returns the counter for the day, or a zero counter when absent.
	Get(ctx context.Context, tenantID string, day time.Time) (*Counter, error)
}
