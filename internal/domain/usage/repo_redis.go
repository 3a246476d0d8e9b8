package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters outlive their day by a margin so late readers still see them.
const redisCounterTTL = 48 * time.Hour

const (
	fieldTokens    = "tokens_used"
	fieldRequests  = "request_count"
	fieldToolCalls = "tool_call_count"
)

type counterRepoRedis struct{ rdb *redis.Client }

// NewCounterRepoRedis keeps counters in one hash per tenant and day. It suits
// deployments where the ledger sees more write traffic than Postgres should.
func NewCounterRepoRedis(rdb *redis.Client) Repository { return &counterRepoRedis{rdb: rdb} }

func redisKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s", tenantID, day.Format("2006-01-02"))
}

func (r *counterRepoRedis) Increment(ctx context.Context, tenantID string, day time.Time, d Delta) error {
	key := redisKey(tenantID, day)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTokens, d.Tokens)
		pipe.HIncrBy(ctx, key, fieldRequests, d.Requests)
		pipe.HIncrBy(ctx, key, fieldToolCalls, d.ToolCalls)
		pipe.Expire(ctx, key, redisCounterTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment usage counter: %w", err)
	}
	return nil
}

func (r *counterRepoRedis) Get(ctx context.Context, tenantID string, day time.Time) (*Counter, error) {
	vals, err := r.rdb.HGetAll(ctx, redisKey(tenantID, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("read usage counter: %w", err)
	}
	return counterFromHash(tenantID, day, vals)
}

func counterFromHash(tenantID string, day time.Time, vals map[string]string) (*Counter, error) {
	c := &Counter{TenantID: tenantID, Day: day}
	for field, dst := range map[string]*int64{
		fieldTokens:    &c.TokensUsed,
		fieldRequests:  &c.RequestCount,
		fieldToolCalls: &c.ToolCallCount,
	} {
		raw, ok := vals[field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse usage field %s: %w", field, err)
		}
		*dst = n
	}
	return c, nil
}
