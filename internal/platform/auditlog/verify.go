package auditlog

import (
	"context"
	"errors"
	"fmt"
)

// VerifyResult reports the outcome of a verification pass.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	Checked       int    `json:"checked"`
	FirstBrokenAt *int64 `json:"first_broken_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Err returns ErrChainBroken wrapped with the failure detail, or nil.
func (r *VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	if r.FirstBrokenAt == nil {
		return fmt.Errorf("%w: %s", ErrChainBroken, r.Reason)
	}
	return fmt.Errorf("%w at entry %d: %s", ErrChainBroken, *r.FirstBrokenAt, r.Reason)
}

var errStopWalk = errors.New("stop walk")

// Verify recomputes every hash in r and checks that each entry links to its
// predecessor. A full-range pass also checks the head pointer against the
// last entry, which catches truncation of the tail. Violations are reported,
// never repaired.
func Verify(ctx context.Context, store Store, r Range) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "auditlog.verify")
	defer span.End()

	res := &VerifyResult{Valid: true}
	var expectedPrev string
	first := true

	fail := func(id int64, reason string) error {
		res.Valid = false
		res.FirstBrokenAt = &id
		res.Reason = reason
		return errStopWalk
	}

	err := store.Walk(ctx, r, func(e *Entry) error {
		if first {
			first = false
			prev, err := store.HashBefore(ctx, e)
			if err != nil {
				return fmt.Errorf("read predecessor of entry %d: %w", e.ID, err)
			}
			expectedPrev = prev
		}
		res.Checked++

		if e.PreviousHash != expectedPrev {
			return fail(e.ID, "previous_hash does not match predecessor")
		}
		want, err := ComputeHash(e.PreviousHash, e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return fail(e.ID, "stored hash does not match recomputation")
		}
		expectedPrev = e.Hash
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}

	if res.Valid && r.Full() {
		if first {
			expectedPrev = Genesis
		}
		head, err := store.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}
		if head != expectedPrev {
			res.Valid = false
			res.Reason = "chain head does not match last entry"
		}
	}
	return res, nil
}
