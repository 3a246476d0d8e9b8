package clinical

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Outcome classifies the result of a collaborator call so callers branch on
// a value instead of inspecting error text.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeForbidden Outcome = "forbidden"
	OutcomeConflict  Outcome = "conflict"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Postgres SQLSTATE codes mapped to outcomes.
var sqlStateOutcomes = map[string]Outcome{
	"23505": OutcomeConflict,  // unique_violation
	"23503": OutcomeNotFound,  // foreign_key_violation
	"23514": OutcomeInvalid,   // check_violation
	"23502": OutcomeInvalid,   // not_null_violation
	"22P02": OutcomeInvalid,   // invalid_text_representation
	"42501": OutcomeForbidden, // insufficient_privilege
	"25006": OutcomeForbidden, // read_only_sql_transaction
}

// OutcomeOf maps err to an Outcome. Nil is OK.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return OutcomeNotFound
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return OutcomeInvalid
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if o, ok := sqlStateOutcomes[pgErr.Code]; ok {
			return o
		}
	}
	return OutcomeError
}

// ValidationError reports input rejected before it reached storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}
