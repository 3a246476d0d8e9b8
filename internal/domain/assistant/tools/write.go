package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/assistant/internal/domain/actions"
	"github.com/ehr/assistant/internal/platform/auditlog"
)

const datePattern = `"pattern": "^\\d{4}-\\d{2}-\\d{2}$"`

var problemSchema = `{
	"type": "object",
	"properties": {
		"description": {"type": "string", "minLength": 1, "maxLength": 512},
		"code": {"type": "string", "maxLength": 64, "description": "ICD-10 or SNOMED code"},
		"status": {"type": "string", "enum": ["active", "inactive", "resolved"]},
		"onset_date": {"type": "string", ` + datePattern + `}
	},
	"required": ["description"],
	"additionalProperties": false
}`

var medicationSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 255},
		"dose": {"type": "string", "maxLength": 128},
		"route": {"type": "string", "maxLength": 64},
		"frequency": {"type": "string", "maxLength": 128},
		"started_on": {"type": "string", ` + datePattern + `}
	},
	"required": ["name"],
	"additionalProperties": false
}`

var orderSchema = `{
	"type": "object",
	"properties": {
		"order_type": {"type": "string", "enum": ["lab", "imaging", "referral", "procedure"]},
		"description": {"type": "string", "minLength": 1, "maxLength": 512},
		"code": {"type": "string", "maxLength": 64},
		"priority": {"type": "string", "enum": ["routine", "urgent", "stat"]}
	},
	"required": ["order_type", "description"],
	"additionalProperties": false
}`

var batchSchema = `{
	"type": "object",
	"properties": {
		"actions": {
			"type": "array",
			"minItems": 1,
			"maxItems": 10,
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["add_problem", "add_medication", "create_order"]},
					"payload": {"type": "object"}
				},
				"required": ["type", "payload"],
				"additionalProperties": false
			}
		}
	},
	"required": ["actions"],
	"additionalProperties": false
}`

// Write tools commit through the committer, which audits each batch inside
// its transaction.
func writeTools(deps Deps) []Definition {
	w := writer{committer: deps.Committer}
	def := func(name, desc, schema string, h HandlerFunc) Definition {
		return Definition{
			Name: name, Description: desc, Schema: json.RawMessage(schema),
			Class: ClassWrite, Scope: ScopePatient, Risk: auditlog.RiskHigh, Handler: h,
		}
	}
	return []Definition{
		def(actions.TypeAddProblem, "Add a problem to the chart of the patient in context.", problemSchema, w.single(actions.TypeAddProblem)),
		def(actions.TypeAddMedication, "Add a medication to the chart of the patient in context.", medicationSchema, w.single(actions.TypeAddMedication)),
		def(actions.TypeCreateOrder, "Create a draft order for the patient in context.", orderSchema, w.single(actions.TypeCreateOrder)),
		def("commit_actions", "Apply several chart changes for the patient in context atomically: all succeed or none do.", batchSchema, w.batch),
	}
}

type writer struct{ committer *actions.Committer }

func (w writer) single(typ string) HandlerFunc {
	return func(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
		return w.commit(ctx, sess, typ, []rawAction{{Type: typ, Payload: args}})
	}
}

type rawAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (w writer) batch(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	var in struct {
		Actions []rawAction `json:"actions"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	return w.commit(ctx, sess, "commit_actions", in.Actions)
}

// commit stamps the bound patient onto each payload and commits the batch.
// The committer audits both outcomes, so the output is always Audited.
func (w writer) commit(ctx context.Context, sess Session, source string, raw []rawAction) (*Output, error) {
	patient, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	batch := make([]actions.Action, 0, len(raw))
	for i, a := range raw {
		var payload map[string]interface{}
		if err := decodeArgs(a.Payload, &payload); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["patient_id"] = patient.String()
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		batch = append(batch, actions.Action{Type: a.Type, Payload: encoded})
	}

	res, err := w.committer.Commit(ctx, batch, actions.Meta{
		ConversationID: sess.ConversationID,
		PatientID:      &patient,
		Source:         source,
	})
	if err != nil {
		return &Output{Audited: true}, err
	}

	tables := []string{}
	seen := map[string]bool{}
	for _, e := range res.Committed {
		if !seen[e.Table] {
			seen[e.Table] = true
			tables = append(tables, e.Table)
		}
	}
	return &Output{
		Payload:      res,
		DataAccessed: tables,
		Summary:      countSummary(res.Count, "action(s) committed"),
		Actions:      res.Committed,
		Audited:      true,
	}, nil
}
