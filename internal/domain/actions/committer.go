package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/ehr/assistant/internal/domain/actions")

// ErrCommitFailed wraps every batch failure. Nothing from a failed batch is
// persisted.
var ErrCommitFailed = errors.New("action batch rolled back")

// Committer executes batches of clinical writes as one unit of work.
type Committer struct {
	uow      clinical.UnitOfWork
	writer   clinical.ChartWriter
	audit    *auditlog.Writer
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewCommitter(uow clinical.UnitOfWork, writer clinical.ChartWriter, audit *auditlog.Writer, logger zerolog.Logger) *Committer {
	return &Committer{
		uow:      uow,
		writer:   writer,
		audit:    audit,
		validate: validator.New(),
		logger:   logger.With().Str("component", "actions").Logger(),
	}
}

// prepared is a validated action ready to run inside the unit of work.
type prepared struct {
	index     int
	typ       string
	table     string
	patientID uuid.UUID
	run       func(ctx context.Context) (uuid.UUID, string, error)
}

// Commit runs actions in order inside one transaction. The batch's audit
// entry is written inside the same transaction, so a batch is never
// persisted without its evidence. A failed batch is rolled back and
// recorded with an aborted outcome.
func (c *Committer) Commit(ctx context.Context, batch []Action, meta Meta) (*Result, error) {
	ctx, span := tracer.Start(ctx, "actions.commit")
	defer span.End()
	span.SetAttributes(attribute.Int("actions.count", len(batch)), attribute.String("actions.source", meta.Source))

	steps, err := c.prepare(batch, meta)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, c.abort(ctx, batch, meta, err)
	}

	result := &Result{Committed: make([]Executed, 0, len(steps))}
	err = c.uow.Do(ctx, func(ctx context.Context) error {
		for _, s := range steps {
			id, summary, err := s.run(ctx)
			if err != nil {
				return &ActionError{Index: s.index, Type: s.typ, Outcome: clinical.OutcomeOf(err), Err: err}
			}
			result.Committed = append(result.Committed, Executed{
				Index: s.index, Type: s.typ, ID: id, Table: s.table, Summary: summary, PatientID: s.patientID,
			})
		}
		result.Count = len(result.Committed)

		entry, err := c.audit.Append(ctx, c.batchEntry(meta, result))
		if err != nil {
			return fmt.Errorf("audit batch: %w", err)
		}
		result.AuditEntryID = entry.ID
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, c.abort(ctx, batch, meta, err)
	}

	c.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Int("count", result.Count).
		Int64("audit_entry_id", result.AuditEntryID).
		Msg("actions_committed")
	return result, nil
}

func (c *Committer) prepare(batch []Action, meta Meta) ([]prepared, error) {
	if len(batch) == 0 {
		return nil, &ActionError{Index: -1, Outcome: clinical.OutcomeInvalid, Err: errors.New("batch is empty")}
	}
	steps := make([]prepared, 0, len(batch))
	for i, a := range batch {
		step, err := c.prepareOne(i, a)
		if err != nil {
			return nil, &ActionError{Index: i, Type: a.Type, Outcome: clinical.OutcomeInvalid, Err: err}
		}
		if meta.PatientID != nil && step.patientID != *meta.PatientID {
			return nil, &ActionError{Index: i, Type: a.Type, Outcome: clinical.OutcomeForbidden,
				Err: errors.New("action targets a patient other than the conversation's")}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (c *Committer) prepareOne(i int, a Action) (prepared, error) {
	if err := c.validate.Struct(a); err != nil {
		return prepared{}, err
	}
	step := prepared{index: i, typ: a.Type}

	switch a.Type {
	case TypeAddProblem:
		var p ProblemPayload
		if err := c.decode(a.Payload, &p); err != nil {
			return step, err
		}
		problem := &clinical.Problem{
			PatientID:   uuid.MustParse(p.PatientID),
			Description: p.Description,
			Code:        optional(p.Code),
			Status:      defaultString(p.Status, "active"),
			OnsetDate:   optionalDate(p.OnsetDate),
		}
		step.table, step.patientID = "problem", problem.PatientID
		step.run = func(ctx context.Context) (uuid.UUID, string, error) {
			problem.RecordedBy = optional(auth.UserIDFromContext(ctx))
			err := c.writer.CreateProblem(ctx, problem)
			return problem.ID, "problem: " + problem.Description, err
		}

	case TypeAddMedication:
		var p MedicationPayload
		if err := c.decode(a.Payload, &p); err != nil {
			return step, err
		}
		med := &clinical.Medication{
			PatientID: uuid.MustParse(p.PatientID),
			Name:      p.Name,
			Dose:      optional(p.Dose),
			Route:     optional(p.Route),
			Frequency: optional(p.Frequency),
			Status:    "active",
			StartedOn: optionalDate(p.StartedOn),
		}
		step.table, step.patientID = "medication", med.PatientID
		step.run = func(ctx context.Context) (uuid.UUID, string, error) {
			med.PrescriberID = optional(auth.UserIDFromContext(ctx))
			err := c.writer.CreateMedication(ctx, med)
			return med.ID, strings.TrimSpace("medication: " + med.Name + " " + p.Dose), err
		}

	case TypeCreateOrder:
		var p OrderPayload
		if err := c.decode(a.Payload, &p); err != nil {
			return step, err
		}
		order := &clinical.Order{
			PatientID:   uuid.MustParse(p.PatientID),
			OrderType:   p.OrderType,
			Code:        optional(p.Code),
			Description: p.Description,
			Priority:    defaultString(p.Priority, "routine"),
			Status:      "draft",
		}
		step.table, step.patientID = "clinical_order", order.PatientID
		step.run = func(ctx context.Context) (uuid.UUID, string, error) {
			order.OrderedBy = optional(auth.UserIDFromContext(ctx))
			err := c.writer.CreateOrder(ctx, order)
			return order.ID, order.OrderType + " order: " + order.Description, err
		}
	}
	return step, nil
}

// decode rejects unknown fields, then validates.
func (c *Committer) decode(raw json.RawMessage, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return c.validate.Struct(dst)
}

func (c *Committer) batchEntry(meta Meta, r *Result) *auditlog.Entry {
	tables := []string{}
	seen := map[string]bool{}
	summaries := make([]string, 0, len(r.Committed))
	for _, e := range r.Committed {
		if !seen[e.Table] {
			seen[e.Table] = true
			tables = append(tables, e.Table)
		}
		summaries = append(summaries, e.Summary)
	}
	patient := meta.PatientID
	if patient == nil && len(r.Committed) > 0 {
		id := r.Committed[0].PatientID
		patient = &id
	}
	return &auditlog.Entry{
		ConversationID: meta.ConversationID,
		PatientID:      patient,
		Action:         auditlog.ActionCommit,
		ToolName:       meta.Source,
		RedactedInput:  c.audit.RedactedJSON(summaries),
		OutputSummary:  fmt.Sprintf("committed %d action(s)", r.Count),
		DataAccessed:   tables,
		RiskTier:       auditlog.RiskHigh,
		Outcome:        auditlog.OutcomeSuccess,
	}
}

// abort records a failed batch and returns the caller-facing error. The
// aborted entry is written after rollback, outside the failed transaction,
// and still lands when ctx was cancelled.
func (c *Committer) abort(ctx context.Context, batch []Action, meta Meta, cause error) error {
	ctx, cancel := auditlog.Detach(ctx)
	defer cancel()

	types := make([]string, 0, len(batch))
	for _, a := range batch {
		types = append(types, a.Type)
	}
	entry := &auditlog.Entry{
		ConversationID: meta.ConversationID,
		PatientID:      meta.PatientID,
		Action:         auditlog.ActionCommitAborted,
		ToolName:       meta.Source,
		RedactedInput:  c.audit.RedactedJSON(types),
		OutputSummary:  cause.Error(),
		RiskTier:       auditlog.RiskHigh,
		Outcome:        auditlog.OutcomeAborted,
	}
	if _, err := c.audit.Append(ctx, entry); err != nil {
		c.logger.Error().Err(err).Str("tenant_id", db.TenantFromContext(ctx)).Msg("audit_abort_failed")
		return fmt.Errorf("%w: %w (audit of abort also failed: %v)", ErrCommitFailed, cause, err)
	}
	c.logger.Warn().Err(cause).Str("tenant_id", db.TenantFromContext(ctx)).Int("count", len(batch)).Msg("actions_aborted")
	return fmt.Errorf("%w: %w", ErrCommitFailed, cause)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
