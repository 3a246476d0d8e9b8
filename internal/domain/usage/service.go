package usage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrBudgetExceeded is returned to callers that must stop for the day.
var ErrBudgetExceeded = errors.New("daily token budget exceeded")

// Service guards the per-tenant daily token budget. Storage failures never
// block a turn: checks fail open and writes are dropped, both with a warning.
type Service struct {
	repo   Repository
	limit  int64
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, dailyLimit int64, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		limit:  dailyLimit,
		logger: logger.With().Str("component", "usage").Logger(),
		now:    time.Now,
	}
}

func (s *Service) Limit() int64 { return s.limit }

// CheckBudget compares today's token count with the daily limit.
func (s *Service) CheckBudget(ctx context.Context, tenantID string) Budget {
	c, err := s.repo.Get(ctx, tenantID, Day(s.now()))
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("usage_check_failed_open")
		return Budget{Allowed: true, Remaining: s.limit, Limit: s.limit, Degraded: true}
	}
	return s.budgetFor(c.TokensUsed)
}

func (s *Service) budgetFor(used int64) Budget {
	remaining := s.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Budget{
		Allowed:   used < s.limit,
		Used:      used,
		Remaining: remaining,
		Limit:     s.limit,
	}
}

// RecordUsage adds one request with its token and tool-call cost to today's
// counter.
func (s *Service) RecordUsage(ctx context.Context, tenantID string, tokens, toolCalls int) {
	d := Delta{Tokens: int64(tokens), Requests: 1, ToolCalls: int64(toolCalls)}
	if err := s.repo.Increment(ctx, tenantID, Day(s.now()), d); err != nil {
		s.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Int("tokens", tokens).
			Int("tool_calls", toolCalls).
			Msg("usage_record_failed")
	}
}

// Today returns the raw counter for reporting.
func (s *Service) Today(ctx context.Context, tenantID string) (*Counter, error) {
	return s.repo.Get(ctx, tenantID, Day(s.now()))
}
