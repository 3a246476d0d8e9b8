package usage

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestService_BudgetAfterUsage(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryRepository(), 1000, zerolog.Nop())

	before := svc.CheckBudget(ctx, "clinic_a")
	assert.True(t, before.Allowed)
	assert.Equal(t, int64(1000), before.Remaining)
	assert.Equal(t, int64(0), before.Used)

	svc.RecordUsage(ctx, "clinic_a", 400, 2)

	after := svc.CheckBudget(ctx, "clinic_a")
	assert.True(t, after.Allowed)
	assert.Equal(t, int64(600), after.Remaining)
	assert.Equal(t, int64(400), after.Used)
}

func TestService_DeniesAtLimit(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryRepository(), 500, zerolog.Nop())

	svc.RecordUsage(ctx, "clinic_a", 500, 0)
	b := svc.CheckBudget(ctx, "clinic_a")
	assert.False(t, b.Allowed)
	assert.Equal(t, int64(0), b.Remaining)

	svc.RecordUsage(ctx, "clinic_a", 120, 0)
	b = svc.CheckBudget(ctx, "clinic_a")
	assert.False(t, b.Allowed)
	assert.Equal(t, int64(0), b.Remaining, "remaining never goes negative")
	assert.Equal(t, int64(620), b.Used)
}

func TestService_TenantsAndDaysAreSeparate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, 1000, zerolog.Nop())
	svc.now = fixedClock(time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC))

	svc.RecordUsage(ctx, "clinic_a", 900, 0)
	assert.Equal(t, int64(0), svc.CheckBudget(ctx, "clinic_b").Used)

	svc.now = fixedClock(time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC))
	assert.Equal(t, int64(0), svc.CheckBudget(ctx, "clinic_a").Used)
}

func TestService_FailsOpen(t *testing.T) {
	var buf bytes.Buffer
	repo := NewMemoryRepository()
	repo.Fail = errors.New("connection refused")
	svc := NewService(repo, 1000, zerolog.New(&buf))

	b := svc.CheckBudget(context.Background(), "clinic_a")
	assert.True(t, b.Allowed)
	assert.True(t, b.Degraded)
	assert.Contains(t, buf.String(), "usage_check_failed_open")

	buf.Reset()
	svc.RecordUsage(context.Background(), "clinic_a", 10, 1)
	assert.Contains(t, buf.String(), "usage_record_failed")
}

func TestService_ConcurrentRecordsAreNotLost(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, 1_000_000, zerolog.Nop())

	const workers = 64
	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			svc.RecordUsage(ctx, "clinic_a", n, n%3)
		}(i)
	}
	wg.Wait()

	c, err := svc.Today(ctx, "clinic_a")
	require.NoError(t, err)

	var wantTokens, wantTools int64
	for i := 1; i <= workers; i++ {
		wantTokens += int64(i)
		wantTools += int64(i % 3)
	}
	assert.Equal(t, wantTokens, c.TokensUsed)
	assert.Equal(t, wantTools, c.ToolCallCount)
	assert.Equal(t, int64(workers), c.RequestCount)
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	got := Day(time.Date(2026, 3, 2, 8, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestCounterFromHash(t *testing.T) {
	day := Day(time.Now())
	c, err := counterFromHash("clinic_a", day, map[string]string{
		fieldTokens:   "420",
		fieldRequests: "3",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(420), c.TokensUsed)
	assert.Equal(t, int64(3), c.RequestCount)
	assert.Equal(t, int64(0), c.ToolCallCount)

	_, err = counterFromHash("clinic_a", day, map[string]string{fieldTokens: "lots"})
	assert.Error(t, err)

	assert.Equal(t, "usage:clinic_a:"+day.Format("2006-01-02"), redisKey("clinic_a", day))
}
