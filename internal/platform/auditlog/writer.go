package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/internal/platform/hipaa"
	"github.com/ehr/assistant/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/ehr/assistant/internal/platform/auditlog")

// Writer appends entries to the chain. Free text is redacted before it
// reaches the store.
type Writer struct {
	store    Store
	redactor *hipaa.Redactor
	logger   zerolog.Logger
}

func NewWriter(store Store, redactor *hipaa.Redactor, logger zerolog.Logger) *Writer {
	if redactor == nil {
		redactor = hipaa.DefaultRedactor()
	}
	return &Writer{store: store, redactor: redactor, logger: logger.With().Str("component", "auditlog").Logger()}
}

func (w *Writer) Store() Store { return w.store }

// Append writes e and returns the stored entry. Callers on a write path must
// treat an error as failure of the operation being audited.
func (w *Writer) Append(ctx context.Context, e *Entry) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "auditlog.append")
	defer span.End()

	if e.Action == "" {
		return nil, fmt.Errorf("audit entry action is required")
	}
	if e.TenantID == "" {
		e.TenantID = db.TenantFromContext(ctx)
	}
	if e.UserID == "" {
		e.UserID = auth.UserIDFromContext(ctx)
	}
	if e.RiskTier == "" {
		e.RiskTier = RiskLow
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.RedactedInput = w.redactor.Redact(e.RedactedInput)
	e.OutputSummary = w.redactor.Redact(e.OutputSummary)

	span.SetAttributes(
		attribute.String("audit.action", e.Action),
		attribute.String("audit.target", e.Target()),
		attribute.String("audit.risk", string(e.RiskTier)),
	)

	if err := w.store.Append(ctx, e); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	span.SetAttributes(attribute.Int64("audit.id", e.ID))
	return e, nil
}

// DetachTimeout bounds evidence writes made after the caller's context ended.
const DetachTimeout = 5 * time.Second

// Detach keeps ctx's values (tenant, connection, user) but drops its
// cancellation, so a failed or abandoned operation can still be recorded.
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), DetachTimeout)
}

// Record is the best-effort variant for read paths: failures are logged
// and swallowed.
func (w *Writer) Record(ctx context.Context, e *Entry) {
	if _, err := w.Append(ctx, e); err != nil {
		w.logger.Warn().Err(err).
			Str("tenant_id", e.TenantID).
			Str("action", e.Action).
			Str("target", e.Target()).
			Msg("audit_append_failed")
	}
}

// RedactedJSON encodes v as JSON with every string leaf redacted. Values
// that cannot be encoded yield a placeholder rather than an error.
func (w *Writer) RedactedJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `"[unencodable]"`
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return `"[unencodable]"`
	}
	out, err := CanonicalJSON(w.redactor.RedactValue(generic))
	if err != nil {
		return `"[unencodable]"`
	}
	return string(out)
}
