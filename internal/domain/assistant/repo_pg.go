package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/platform/db"
)

type conversationRepoPG struct{ pool *pgxpool.Pool }

func NewConversationRepoPG(pool *pgxpool.Pool) Repository {
	return &conversationRepoPG{pool: pool}
}

func (r *conversationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const convCols = `id, tenant_id, user_id, patient_id, title, message_count, token_count,
	archived_at, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.PatientID, &c.Title, &c.MessageCount,
		&c.TokenCount, &c.ArchivedAt, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

const msgCols = `id, seq, conversation_id, role, content, tool_calls, tool_results, token_cost, model, failed, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var calls, results []byte
	err := row.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.Role, &m.Content, &calls, &results,
		&m.TokenCost, &m.Model, &m.Failed, &m.CreatedAt)
	m.ToolCalls, m.ToolResults = calls, results
	return &m, err
}

func (r *conversationRepoPG) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO conversation (id, tenant_id, user_id, patient_id, title)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		c.ID, c.TenantID, c.UserID, c.PatientID, c.Title).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *conversationRepoPG) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func (r *conversationRepoPG) ListConversations(ctx context.Context, userID string, includeArchived bool, limit, offset int) ([]*Conversation, int, error) {
	where := ` WHERE user_id = $1`
	if !includeArchived {
		where += ` AND archived_at IS NULL`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM conversation`+where, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+convCols+` FROM conversation`+where+`
		ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *conversationRepoPG) ArchiveConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE conversation SET archived_at = COALESCE(archived_at, NOW()), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *conversationRepoPG) AppendMessages(ctx context.Context, conversationID uuid.UUID, msgs []*Message, tokens int64) error {
	return db.WithTx(ctx, r.pool, db.TxOptions{}, func(ctx context.Context) error {
		q := r.conn(ctx)
		// Lock the conversation first so concurrent turns append in turn.
		tag, err := q.Exec(ctx, `
			UPDATE conversation SET message_count = message_count + $2, token_count = token_count + $3,
				updated_at = NOW()
			WHERE id = $1`, conversationID, len(msgs), tokens)
		if err != nil {
			return fmt.Errorf("update conversation counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConversationNotFound
		}
		for _, m := range msgs {
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			m.ConversationID = conversationID
			err := q.QueryRow(ctx, `
				INSERT INTO message (id, conversation_id, role, content, tool_calls, tool_results, token_cost, model, failed)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING seq, created_at`,
				m.ID, m.ConversationID, m.Role, m.Content, nullJSON(m.ToolCalls), nullJSON(m.ToolResults),
				m.TokenCost, m.Model, m.Failed).Scan(&m.Seq, &m.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r *conversationRepoPG) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+msgCols+` FROM (
			SELECT `+msgCols+` FROM message WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *conversationRepoPG) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+msgCols+` FROM message WHERE conversation_id = $1
		ORDER BY seq LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectMessages(rows)
	return items, total, err
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	items := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
