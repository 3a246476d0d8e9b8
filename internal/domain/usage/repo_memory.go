package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for tests.
type MemoryRepository struct {
	mu       sync.Mutex
	counters map[string]*Counter
	// Fail, when set, is returned by every call.
	Fail error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{counters: make(map[string]*Counter)}
}

func (r *MemoryRepository) Increment(_ context.Context, tenantID string, day time.Time, d Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	key := redisKey(tenantID, day)
	c, ok := r.counters[key]
	if !ok {
		c = &Counter{TenantID: tenantID, Day: day}
		r.counters[key] = c
	}
	c.TokensUsed += d.Tokens
	c.RequestCount += d.Requests
	c.ToolCallCount += d.ToolCalls
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, tenantID string, day time.Time) (*Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	if c, ok := r.counters[redisKey(tenantID, day)]; ok {
		cp := *c
		return &cp, nil
	}
	return &Counter{TenantID: tenantID, Day: day}, nil
}
