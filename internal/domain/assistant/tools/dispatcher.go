package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/assistant/internal/domain/actions"
	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/llm"
	"github.com/ehr/assistant/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/ehr/assistant/internal/domain/assistant/tools")

// Result is the outcome of one dispatched call. Err is set for rejected and
// failed calls; the caller hands Content back to the model either way.
type Result struct {
	CallID        string             `json:"-"`
	Name          string             `json:"name"`
	Class         Class              `json:"class,omitempty"`
	Risk          auditlog.Risk      `json:"risk,omitempty"`
	Payload       interface{}        `json:"-"`
	DataAccessed  []string           `json:"data_accessed"`
	Visualization *Visualization     `json:"-"`
	Actions       []actions.Executed `json:"-"`
	Outcome       clinical.Outcome   `json:"outcome"`
	Err           error              `json:"-"`
	Duration      time.Duration      `json:"-"`
}

// Failed reports whether the call did not succeed.
func (r *Result) Failed() bool { return r.Err != nil }

type errorPayload struct {
	Error   bool             `json:"error"`
	Outcome clinical.Outcome `json:"outcome"`
	Message string           `json:"message"`
}

// Content is the tool message body sent back to the model.
func (r *Result) Content() string {
	v := r.Payload
	if r.Err != nil {
		v = errorPayload{Error: true, Outcome: r.Outcome, Message: r.Err.Error()}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return `{"error":true,"message":"result could not be encoded"}`
	}
	return string(raw)
}

// Dispatcher runs tool calls. Every call, including rejected ones, leaves an
// audit entry.
type Dispatcher struct {
	registry *Registry
	audit    *auditlog.Writer
	logger   zerolog.Logger
}

func NewDispatcher(registry *Registry, audit *auditlog.Writer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		audit:    audit,
		logger:   logger.With().Str("component", "tools").Logger(),
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch never returns a nil Result and never panics: handler failures
// and panics become error results.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall, sess Session) *Result {
	ctx, span := tracer.Start(ctx, "tools.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	start := time.Now()
	res := &Result{CallID: call.ID, Name: call.Name, DataAccessed: []string{}}
	args := call.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	def, ok := d.registry.Get(call.Name)
	if !ok {
		res.Outcome, res.Err = clinical.OutcomeNotFound, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		d.reject(ctx, res, args, sess, auditlog.RiskMedium)
		return res
	}
	res.Class, res.Risk = def.Class, def.Risk

	if !def.Allowed(sess) {
		res.Outcome, res.Err = clinical.OutcomeForbidden, fmt.Errorf("%w: %s needs a patient in context", ErrToolNotAllowed, def.Name)
		d.reject(ctx, res, args, sess, def.Risk)
		return res
	}

	out, err := d.execute(ctx, def, sess, args)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Outcome = outcomeOf(err)
		telemetry.RecordError(span, err)
		d.logger.Warn().Err(err).
			Str("tenant_id", sess.TenantID).
			Str("tool", def.Name).
			Str("outcome", string(res.Outcome)).
			Msg("tool_call_failed")
	} else {
		res.Outcome = clinical.OutcomeOK
		res.Payload = out.Payload
		res.Visualization = out.Visualization
		res.Actions = out.Actions
		if out.DataAccessed != nil {
			res.DataAccessed = out.DataAccessed
		}
	}
	span.SetAttributes(attribute.String("tool.outcome", string(res.Outcome)))

	if out != nil && out.Audited {
		return res
	}
	summary := "ok"
	if out != nil && out.Summary != "" {
		summary = out.Summary
	}
	if res.Err != nil {
		summary = res.Err.Error()
	}
	d.audit.Record(ctx, &auditlog.Entry{
		ConversationID: sess.ConversationID,
		PatientID:      sess.PatientID,
		Action:         auditlog.ActionToolCall,
		ToolName:       def.Name,
		RedactedInput:  d.audit.RedactedJSON(args),
		OutputSummary:  summary,
		DataAccessed:   res.DataAccessed,
		RiskTier:       def.Risk,
		Outcome:        auditOutcome(res),
	})
	return res
}

func (d *Dispatcher) execute(ctx context.Context, def *Definition, sess Session, args json.RawMessage) (out *Output, err error) {
	if err := def.validate(args); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("tenant_id", sess.TenantID).
				Str("tool", def.Name).
				Interface("panic", r).
				Msg("tool_panicked")
			out, err = nil, fmt.Errorf("tool %s failed unexpectedly", def.Name)
		}
	}()
	out, err = def.Handler.Execute(ctx, sess, args)
	if err == nil && out == nil {
		out = &Output{}
	}
	return out, err
}

func (d *Dispatcher) reject(ctx context.Context, res *Result, args json.RawMessage, sess Session, risk auditlog.Risk) {
	d.logger.Warn().
		Str("tenant_id", sess.TenantID).
		Str("tool", res.Name).
		Bool("patient_bound", sess.PatientID != nil).
		Msg("tool_call_rejected")
	d.audit.Record(ctx, &auditlog.Entry{
		ConversationID: sess.ConversationID,
		PatientID:      sess.PatientID,
		Action:         auditlog.ActionToolRejected,
		ToolName:       res.Name,
		RedactedInput:  d.audit.RedactedJSON(args),
		OutputSummary:  res.Err.Error(),
		DataAccessed:   []string{},
		RiskTier:       risk,
		Outcome:        auditlog.OutcomeDenied,
	})
}

func outcomeOf(err error) clinical.Outcome {
	var aErr *actions.ActionError
	if errors.As(err, &aErr) {
		return aErr.Outcome
	}
	return clinical.OutcomeOf(err)
}

func auditOutcome(r *Result) string {
	switch {
	case r.Err == nil:
		return auditlog.OutcomeSuccess
	case r.Outcome == clinical.OutcomeForbidden:
		return auditlog.OutcomeDenied
	default:
		return auditlog.OutcomeError
	}
}
