package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var redisDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func newRedisService(t *testing.T, limit int64) (*Service, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	svc := NewService(NewCounterRepoRedis(rdb), limit, zerolog.Nop())
	svc.now = fixedClock(redisDay.Add(15 * time.Hour))
	return svc, m
}

func TestRedisRepo_ConcurrentRecordsAreExact(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRedisService(t, 1_000_000)

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RecordUsage(ctx, "clinic_a", 25, 2)
		}()
	}
	wg.Wait()

	c, err := svc.Today(ctx, "clinic_a")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*25), c.TokensUsed)
	assert.Equal(t, int64(workers), c.RequestCount)
	assert.Equal(t, int64(workers*2), c.ToolCallCount)
	assert.Equal(t, redisDay, c.Day)

	b := svc.CheckBudget(ctx, "clinic_a")
	assert.True(t, b.Allowed)
	assert.False(t, b.Degraded)
	assert.Equal(t, int64(1_000_000-workers*25), b.Remaining)
}

func TestRedisRepo_BudgetDeniesAtLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRedisService(t, 1000)

	svc.RecordUsage(ctx, "clinic_a", 400, 0)
	b := svc.CheckBudget(ctx, "clinic_a")
	assert.True(t, b.Allowed)
	assert.Equal(t, int64(600), b.Remaining)

	svc.RecordUsage(ctx, "clinic_a", 600, 0)
	b = svc.CheckBudget(ctx, "clinic_a")
	assert.False(t, b.Allowed)
	assert.Equal(t, int64(0), b.Remaining)

	other := svc.CheckBudget(ctx, "clinic_b")
	assert.True(t, other.Allowed)
	assert.Equal(t, int64(0), other.Used)
}

func TestRedisRepo_CounterHashAndExpiry(t *testing.T) {
	ctx := context.Background()
	svc, m := newRedisService(t, 1000)

	svc.RecordUsage(ctx, "clinic_a", 120, 3)

	key := redisKey("clinic_a", redisDay)
	assert.Equal(t, "120", m.HGet(key, fieldTokens))
	assert.Equal(t, "1", m.HGet(key, fieldRequests))
	assert.Equal(t, "3", m.HGet(key, fieldToolCalls))
	assert.Equal(t, redisCounterTTL, m.TTL(key))

	m.FastForward(redisCounterTTL + time.Second)
	assert.False(t, m.Exists(key))
	c, err := svc.Today(ctx, "clinic_a")
	require.NoError(t, err)
	assert.Zero(t, c.TokensUsed)
}

func TestRedisRepo_FailsOpenWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, m := newRedisService(t, 1000)
	m.Close()

	svc.RecordUsage(ctx, "clinic_a", 50, 0)
	b := svc.CheckBudget(ctx, "clinic_a")
	assert.True(t, b.Allowed)
	assert.True(t, b.Degraded)
	assert.Equal(t, int64(1000), b.Remaining)
}

func TestRedisRepo_CorruptCounterFailsOpen(t *testing.T) {
	ctx := context.Background()
	svc, m := newRedisService(t, 1000)
	m.HSet(redisKey("clinic_a", redisDay), fieldTokens, "lots")

	_, err := svc.Today(ctx, "clinic_a")
	assert.Error(t, err)
	b := svc.CheckBudget(ctx, "clinic_a")
	assert.True(t, b.Allowed)
	assert.True(t, b.Degraded)
}
