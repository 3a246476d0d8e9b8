package clinical

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/platform/db"
)

// MaxQueryRows caps ad-hoc query results.
const MaxQueryRows = 100

type QueryResult struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Truncated bool            `json:"truncated"`
}

// QueryRunner executes validated read-only SQL.
type QueryRunner interface {
	RunReadOnly(ctx context.Context, sql string) (*QueryResult, error)
}

type queryRunnerPG struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewQueryRunnerPG(pool *pgxpool.Pool, statementTimeout time.Duration) QueryRunner {
	return &queryRunnerPG{pool: pool, timeout: statementTimeout}
}

// RunReadOnly validates sql and runs it in a READ ONLY transaction, so even
// a statement that slips past validation cannot write.
func (r *queryRunnerPG) RunReadOnly(ctx context.Context, sql string) (*QueryResult, error) {
	clean, err := ValidateReadOnlySQL(sql)
	if err != nil {
		return nil, err
	}

	var res *QueryResult
	err = db.WithTx(ctx, r.pool, db.TxOptions{ReadOnly: true, StatementTimeout: r.timeout}, func(ctx context.Context) error {
		rows, err := db.Conn(ctx, r.pool).Query(ctx,
			fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", clean, MaxQueryRows+1))
		if err != nil {
			return err
		}
		defer rows.Close()

		res = &QueryResult{Rows: [][]interface{}{}}
		for _, fd := range rows.FieldDescriptions() {
			res.Columns = append(res.Columns, fd.Name)
		}
		for rows.Next() {
			if len(res.Rows) == MaxQueryRows {
				res.Truncated = true
				break
			}
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			for i, v := range vals {
				vals[i] = jsonValue(v)
			}
			res.Rows = append(res.Rows, vals)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	return res, nil
}

// jsonValue converts driver values that do not encode cleanly.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
