package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/usage"
)

func TestUsage_ConcurrentRecordsAreExact(t *testing.T) {
	tenant := newTenant(t, "usage")
	svc := usage.NewService(usage.NewCounterRepoPG(globalDB.Pool), 1_000_000, zerolog.Nop())

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = runInTenant(tenant, "dr-shepherd", func(ctx context.Context) error {
				svc.RecordUsage(ctx, tenant, 25, 2)
				return nil
			})
		}()
	}
	wg.Wait()

	inTenant(t, tenant, "dr-shepherd", func(ctx context.Context) error {
		c, err := svc.Today(ctx, tenant)
		if err != nil {
			return err
		}
		if c.TokensUsed != workers*25 || c.RequestCount != workers || c.ToolCallCount != workers*2 {
			t.Errorf("unexpected counter: %+v", c)
		}
		b := svc.CheckBudget(ctx, tenant)
		if !b.Allowed || b.Remaining != 1_000_000-workers*25 {
			t.Errorf("unexpected budget: %+v", b)
		}
		return nil
	})
}

func TestUsage_BudgetDeniesAtLimit(t *testing.T) {
	tenant := newTenant(t, "budget")
	svc := usage.NewService(usage.NewCounterRepoPG(globalDB.Pool), 1000, zerolog.Nop())

	inTenant(t, tenant, "dr-shepherd", func(ctx context.Context) error {
		svc.RecordUsage(ctx, tenant, 400, 0)
		if b := svc.CheckBudget(ctx, tenant); !b.Allowed || b.Remaining != 600 {
			t.Errorf("after 400 tokens: %+v", b)
		}
		svc.RecordUsage(ctx, tenant, 600, 0)
		if b := svc.CheckBudget(ctx, tenant); b.Allowed || b.Remaining != 0 {
			t.Errorf("after 1000 tokens: %+v", b)
		}
		return nil
	})
}
