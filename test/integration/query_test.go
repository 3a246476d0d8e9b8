package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/assistant/internal/domain/clinical"
)

func TestQueryRunner_SelectsWithinTenant(t *testing.T) {
	tenant := newTenant(t, "query")
	other := newTenant(t, "queryother")
	insertPatient(t, tenant, "Ada", "Lovelace")
	insertPatient(t, tenant, "Grace", "Hopper")
	insertPatient(t, other, "Alan", "Turing")

	runner := clinical.NewQueryRunnerPG(globalDB.Pool, 5*time.Second)
	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		res, err := runner.RunReadOnly(ctx, "SELECT first_name, id FROM patient ORDER BY first_name;")
		if err != nil {
			return err
		}
		if len(res.Columns) != 2 || res.Columns[0] != "first_name" {
			t.Errorf("unexpected columns: %v", res.Columns)
		}
		if len(res.Rows) != 2 || res.Rows[0][0] != "Ada" {
			t.Errorf("unexpected rows: %v", res.Rows)
		}
		if _, ok := res.Rows[0][1].(string); !ok {
			t.Errorf("expected uuid rendered as string, got %T", res.Rows[0][1])
		}
		if res.Truncated {
			t.Error("two rows should not be truncated")
		}
		return nil
	})
}

func TestQueryRunner_RejectsWrites(t *testing.T) {
	tenant := newTenant(t, "querywrite")
	insertPatient(t, tenant, "Ada", "Lovelace")

	runner := clinical.NewQueryRunnerPG(globalDB.Pool, 5*time.Second)
	queries := []string{
		"DELETE FROM patient",
		"SELECT * FROM patient; DROP TABLE patient",
		"WITH gone AS (DELETE FROM patient RETURNING id) SELECT * FROM gone",
		"SELECT * FROM audit_entry",
	}
	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		for _, q := range queries {
			_, err := runner.RunReadOnly(ctx, q)
			var vErr *clinical.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("%q: expected ValidationError, got %v", q, err)
			}
		}
		return nil
	})
	if n := countRows(t, tenant, "patient"); n != 1 {
		t.Errorf("expected patient table untouched, got %d rows", n)
	}
}

func TestQueryRunner_TruncatesLargeResults(t *testing.T) {
	tenant := newTenant(t, "querybig")
	for i := 0; i < clinical.MaxQueryRows+5; i++ {
		insertPatient(t, tenant, "Test", "Patient")
	}

	runner := clinical.NewQueryRunnerPG(globalDB.Pool, 5*time.Second)
	inTenant(t, tenant, "dr-yang", func(ctx context.Context) error {
		res, err := runner.RunReadOnly(ctx, "SELECT id FROM patient")
		if err != nil {
			return err
		}
		if len(res.Rows) != clinical.MaxQueryRows || !res.Truncated {
			t.Errorf("expected %d truncated rows, got %d (truncated=%v)", clinical.MaxQueryRows, len(res.Rows), res.Truncated)
		}
		return nil
	})
}
