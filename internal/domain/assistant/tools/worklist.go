package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/platform/auditlog"
)

// Tenant-scoped tools, offered in every conversation.
func worklistTools(deps Deps) []Definition {
	return []Definition{
		{
			Name:        "get_schedule",
			Description: "List appointments for a provider starting on a date. Defaults to the current user and today.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "YYYY-MM-DD"},
					"days": {"type": "integer", "minimum": 1, "maximum": 14},
					"provider_id": {"type": "string", "maxLength": 128}
				},
				"additionalProperties": false
			}`),
			Class:   ClassRead,
			Scope:   ScopeTenant,
			Risk:    auditlog.RiskLow,
			Handler: scheduleTool{worklist: deps.Worklist},
		},
		{
			Name:        "get_inbox",
			Description: "List the current user's inbox messages, newest first.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"unread_only": {"type": "boolean"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				},
				"additionalProperties": false
			}`),
			Class:   ClassRead,
			Scope:   ScopeTenant,
			Risk:    auditlog.RiskLow,
			Handler: inboxTool{worklist: deps.Worklist},
		},
		{
			Name:        "navigate",
			Description: "Open a screen in the clinic application.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"destination": {"type": "string", "enum": ["schedule", "inbox", "patient_chart", "medications", "problems", "orders", "usage", "audit_log"]},
					"patient_id": {"type": "string", "pattern": "^[0-9a-fA-F-]{36}$"}
				},
				"required": ["destination"],
				"additionalProperties": false
			}`),
			Class:   ClassRead,
			Scope:   ScopeTenant,
			Risk:    auditlog.RiskLow,
			Handler: HandlerFunc(navigate),
		},
		{
			Name: "query_clinical_data",
			Description: "Run one read-only SQL SELECT over the tables patient, allergy, medication, problem, " +
				"encounter, vital_sign, clinical_order, appointment and inbox_message. At most 100 rows are returned.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sql": {"type": "string", "minLength": 1, "maxLength": 4000}
				},
				"required": ["sql"],
				"additionalProperties": false
			}`),
			Class:   ClassRead,
			Scope:   ScopeTenant,
			Risk:    auditlog.RiskMedium,
			Handler: queryTool{runner: deps.Query},
		},
	}
}

type scheduleTool struct{ worklist clinical.WorklistReader }

func (t scheduleTool) Execute(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	var in struct {
		Date       string `json:"date"`
		Days       int    `json:"days"`
		ProviderID string `json:"provider_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	y, m, d := sess.Now.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if in.Date != "" {
		d, err := time.Parse("2006-01-02", in.Date)
		if err != nil {
			return nil, &clinical.ValidationError{Field: "date", Reason: "must be a calendar date"}
		}
		from = d
	}
	if in.Days == 0 {
		in.Days = 1
	}
	if in.ProviderID == "" {
		in.ProviderID = sess.UserID
	}

	appts, err := t.worklist.ListAppointments(ctx, in.ProviderID, from, from.AddDate(0, 0, in.Days))
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload: map[string]interface{}{
			"from":         from.Format("2006-01-02"),
			"days":         in.Days,
			"appointments": appts,
		},
		DataAccessed: []string{"appointment", "patient"},
		Summary:      countSummary(len(appts), "appointment(s)"),
	}, nil
}

type inboxTool struct{ worklist clinical.WorklistReader }

func (t inboxTool) Execute(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	in := struct {
		UnreadOnly *bool `json:"unread_only"`
		Limit      int   `json:"limit"`
	}{}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	unread := in.UnreadOnly == nil || *in.UnreadOnly
	if in.Limit == 0 {
		in.Limit = 20
	}
	msgs, err := t.worklist.ListInbox(ctx, sess.UserID, unread, in.Limit)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      map[string]interface{}{"messages": msgs, "unread_only": unread},
		DataAccessed: []string{"inbox_message"},
		Summary:      countSummary(len(msgs), "message(s)"),
	}, nil
}

var patientScreens = map[string]string{
	"patient_chart": "",
	"medications":   "/medications",
	"problems":      "/problems",
	"orders":        "/orders",
}

var tenantScreens = map[string]string{
	"schedule":  "/schedule",
	"inbox":     "/inbox",
	"usage":     "/settings/usage",
	"audit_log": "/admin/audit",
}

func navigate(_ context.Context, sess Session, args json.RawMessage) (*Output, error) {
	var in struct {
		Destination string `json:"destination"`
		PatientID   string `json:"patient_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if path, ok := tenantScreens[in.Destination]; ok {
		return &Output{Payload: map[string]string{"navigate_to": path}, Summary: path}, nil
	}

	suffix, ok := patientScreens[in.Destination]
	if !ok {
		return nil, &clinical.ValidationError{Field: "destination", Reason: "unknown screen"}
	}
	var patient uuid.UUID
	switch {
	case in.PatientID != "":
		id, err := uuid.Parse(in.PatientID)
		if err != nil {
			return nil, &clinical.ValidationError{Field: "patient_id", Reason: "must be a UUID"}
		}
		patient = id
	case sess.PatientID != nil:
		patient = *sess.PatientID
	default:
		return nil, &clinical.ValidationError{Field: "patient_id", Reason: "required for " + in.Destination}
	}
	path := "/patients/" + patient.String() + suffix
	return &Output{Payload: map[string]string{"navigate_to": path}, Summary: path}, nil
}

type queryTool struct{ runner clinical.QueryRunner }

// Execute validates the statement itself before handing it to the runner,
// so a runner that skips validation still never sees a rejected statement.
func (t queryTool) Execute(ctx context.Context, _ Session, args json.RawMessage) (*Output, error) {
	var in struct {
		SQL string `json:"sql"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	clean, err := clinical.ValidateReadOnlySQL(in.SQL)
	if err != nil {
		return nil, err
	}
	res, err := t.runner.RunReadOnly(ctx, clean)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      res,
		DataAccessed: clinical.ReferencedTables(clean),
		Summary:      countSummary(len(res.Rows), "row(s)"),
	}, nil
}
