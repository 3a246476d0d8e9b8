package auditlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/platform/db"
)

type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore stores the chain in the tenant schema bound to the context.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const entryCols = `id, conversation_id, user_id, tenant_id, patient_id, action, tool_name,
	redacted_input, output_summary, data_accessed, risk_tier, outcome, created_at, hash, previous_hash`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var tool *string
	var risk string
	err := row.Scan(&e.ID, &e.ConversationID, &e.UserID, &e.TenantID, &e.PatientID, &e.Action, &tool,
		&e.RedactedInput, &e.OutputSummary, &e.DataAccessed, &risk, &e.Outcome, &e.CreatedAt,
		&e.Hash, &e.PreviousHash)
	if err != nil {
		return nil, err
	}
	if tool != nil {
		e.ToolName = *tool
	}
	e.RiskTier = Risk(risk)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Append runs in its own transaction, or a savepoint when the caller already
// holds one, so the entry commits or rolls back with the caller's writes.
func (s *pgStore) Append(ctx context.Context, e *Entry) error {
	// pgx closes a connection whose query was cancelled. Outside a transaction
	// the entry is written on a fresh connection for the same tenant.
	if c := db.ConnFromContext(ctx); c != nil && db.TxFromContext(ctx) == nil && c.Conn().IsClosed() {
		return db.WithTenantConn(ctx, s.pool, db.TenantFromContext(ctx), func(ctx context.Context) error {
			return s.append(ctx, e)
		})
	}
	return s.append(ctx, e)
}

func (s *pgStore) append(ctx context.Context, e *Entry) error {
	return db.WithTx(ctx, s.pool, db.TxOptions{}, func(ctx context.Context) error {
		q := s.conn(ctx)

		// The head row lock is the chain's serialisation point.
		var prev string
		var createdAt time.Time
		err := q.QueryRow(ctx, `
			SELECT last_hash, nextval('audit_entry_id_seq'), clock_timestamp()
			FROM audit_chain_head WHERE id = 1 FOR UPDATE`).Scan(&prev, &e.ID, &createdAt)
		if err != nil {
			return fmt.Errorf("lock audit chain head: %w", err)
		}
		e.CreatedAt = createdAt.UTC().Truncate(time.Microsecond)
		if e.DataAccessed == nil {
			e.DataAccessed = []string{}
		}
		if err := Seal(e, prev); err != nil {
			return err
		}

		_, err = q.Exec(ctx, `
			INSERT INTO audit_entry (`+entryCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			e.ID, e.ConversationID, e.UserID, e.TenantID, e.PatientID, e.Action, nullable(e.ToolName),
			e.RedactedInput, e.OutputSummary, e.DataAccessed, string(e.RiskTier), e.Outcome, e.CreatedAt,
			e.Hash, e.PreviousHash)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}

		_, err = q.Exec(ctx, `
			UPDATE audit_chain_head SET last_hash = $1, last_entry_id = $2, updated_at = $3 WHERE id = 1`,
			e.Hash, e.ID, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("advance audit chain head: %w", err)
		}
		return nil
	})
}

func (s *pgStore) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM audit_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *pgStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where, args := filterClause(f)

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_entry`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM audit_entry%s
		ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, entryCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func filterClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ConversationID != nil {
		add("conversation_id = $%d", *f.ConversationID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const walkPageSize = 500

// Walk pages through the range with keyset pagination so large chains never
// sit in memory at once.
func (s *pgStore) Walk(ctx context.Context, r Range, fn func(*Entry) error) error {
	var (
		afterTime time.Time
		afterID   int64 = -1
	)
	for {
		page, err := s.page(ctx, r, afterTime, afterID)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < walkPageSize {
			return nil
		}
		last := page[len(page)-1]
		afterTime, afterID = last.CreatedAt, last.ID
	}
}

func (s *pgStore) page(ctx context.Context, r Range, afterTime time.Time, afterID int64) ([]*Entry, error) {
	conds := []string{"(created_at, id) > ($1, $2)"}
	args := []interface{}{afterTime, afterID}
	if r.FromID > 0 {
		args = append(args, r.FromID)
		conds = append(conds, fmt.Sprintf("id >= $%d", len(args)))
	}
	if r.ToID > 0 {
		args = append(args, r.ToID)
		conds = append(conds, fmt.Sprintf("id <= $%d", len(args)))
	}
	args = append(args, walkPageSize)

	rows, err := s.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM audit_entry WHERE %s
		ORDER BY created_at, id LIMIT $%d`, entryCols, strings.Join(conds, " AND "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("read audit entries: %w", err)
	}
	defer rows.Close()

	var page []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, e)
	}
	return page, rows.Err()
}

func (s *pgStore) HashBefore(ctx context.Context, e *Entry) (string, error) {
	var h string
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT hash FROM audit_entry WHERE (created_at, id) < ($1, $2)
		ORDER BY created_at DESC, id DESC LIMIT 1`, e.CreatedAt, e.ID).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return Genesis, nil
	}
	return h, err
}

func (s *pgStore) Head(ctx context.Context) (string, error) {
	var h string
	err := s.conn(ctx).QueryRow(ctx, `SELECT last_hash FROM audit_chain_head WHERE id = 1`).Scan(&h)
	return h, err
}

// Rechain holds the head lock for the whole pass so no append can interleave.
func (s *pgStore) Rechain(ctx context.Context) (int, error) {
	count := 0
	err := db.WithTx(ctx, s.pool, db.TxOptions{}, func(ctx context.Context) error {
		q := s.conn(ctx)
		var ignored string
		if err := q.QueryRow(ctx, `SELECT last_hash FROM audit_chain_head WHERE id = 1 FOR UPDATE`).Scan(&ignored); err != nil {
			return fmt.Errorf("lock audit chain head: %w", err)
		}
		// The append-only trigger rejects updates unless this is set.
		if _, err := q.Exec(ctx, `SET LOCAL audit.rechain = 'on'`); err != nil {
			return fmt.Errorf("enable rechain: %w", err)
		}

		prev := Genesis
		var (
			afterTime time.Time
			afterID   int64 = -1
		)
		for {
			page, err := s.page(ctx, Range{}, afterTime, afterID)
			if err != nil {
				return err
			}

			batch := &pgx.Batch{}
			for _, e := range page {
				if err := Seal(e, prev); err != nil {
					return err
				}
				prev = e.Hash
				batch.Queue(`UPDATE audit_entry SET hash = $1, previous_hash = $2 WHERE id = $3`,
					e.Hash, e.PreviousHash, e.ID)
			}
			if batch.Len() > 0 {
				tx := db.TxFromContext(ctx)
				if err := tx.SendBatch(ctx, batch).Close(); err != nil {
					return fmt.Errorf("rewrite audit hashes: %w", err)
				}
			}
			count += len(page)

			if len(page) < walkPageSize {
				break
			}
			last := page[len(page)-1]
			afterTime, afterID = last.CreatedAt, last.ID
		}

		_, err := q.Exec(ctx, `UPDATE audit_chain_head SET last_hash = $1, updated_at = NOW() WHERE id = 1`, prev)
		return err
	})
	return count, err
}
