package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/platform/db"
)

type counterRepoPG struct{ pool *pgxpool.Pool }

func NewCounterRepoPG(pool *pgxpool.Pool) Repository { return &counterRepoPG{pool: pool} }

func (r *counterRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *counterRepoPG) Increment(ctx context.Context, tenantID string, day time.Time, d Delta) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO usage_counter (tenant_id, day, tokens_used, request_count, tool_call_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			tokens_used     = usage_counter.tokens_used + EXCLUDED.tokens_used,
			request_count   = usage_counter.request_count + EXCLUDED.request_count,
			tool_call_count = usage_counter.tool_call_count + EXCLUDED.tool_call_count,
			updated_at      = NOW()`,
		tenantID, day, d.Tokens, d.Requests, d.ToolCalls)
	if err != nil {
		return fmt.Errorf("increment usage counter: %w", err)
	}
	return nil
}

func (r *counterRepoPG) Get(ctx context.Context, tenantID string, day time.Time) (*Counter, error) {
	c := Counter{TenantID: tenantID, Day: day}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT tokens_used, request_count, tool_call_count, updated_at
		FROM usage_counter WHERE tenant_id = $1 AND day = $2`, tenantID, day).
		Scan(&c.TokensUsed, &c.RequestCount, &c.ToolCallCount, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage counter: %w", err)
	}
	return &c, nil
}
