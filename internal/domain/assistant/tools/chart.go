package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/platform/auditlog"
)

const noArgs = `{"type": "object", "properties": {}, "additionalProperties": false}`

const activeArgs = `{
	"type": "object",
	"properties": {"include_inactive": {"type": "boolean"}},
	"additionalProperties": false
}`

// Patient-scoped reads. Each reads the patient bound to the conversation;
// none accepts a patient id from the model.
func chartTools(deps Deps) []Definition {
	c := chart{reader: deps.Chart}
	def := func(name, desc, schema string, h HandlerFunc) Definition {
		return Definition{
			Name: name, Description: desc, Schema: json.RawMessage(schema),
			Class: ClassRead, Scope: ScopePatient, Risk: auditlog.RiskMedium, Handler: h,
		}
	}
	return []Definition{
		def("get_patient_demographics", "Demographics of the patient in context.", noArgs, c.demographics),
		def("get_allergies", "Active allergies of the patient in context.", noArgs, c.allergies),
		def("get_medications", "Medications of the patient in context. Active only unless include_inactive is true.", activeArgs, c.medications),
		def("get_problems", "Problem list of the patient in context. Active only unless include_inactive is true.", activeArgs, c.problems),
		def("get_visit_history", "Most recent encounters of the patient in context.", `{
			"type": "object",
			"properties": {"limit": {"type": "integer", "minimum": 1, "maximum": 50}},
			"additionalProperties": false
		}`, c.visits),
		def("get_vitals", "Vital sign readings of the patient in context with a chart.", `{
			"type": "object",
			"properties": {
				"kind": {"type": "string", "maxLength": 64},
				"days": {"type": "integer", "minimum": 1, "maximum": 730}
			},
			"additionalProperties": false
		}`, c.vitals),
		def("get_orders", "Orders of the patient in context, optionally filtered by status.", `{
			"type": "object",
			"properties": {"status": {"type": "string", "enum": ["draft", "active", "completed", "cancelled"]}},
			"additionalProperties": false
		}`, c.orders),
	}
}

type chart struct{ reader clinical.ChartReader }

func (c chart) demographics(ctx context.Context, sess Session, _ json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	p, err := c.reader.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Output{Payload: p, DataAccessed: []string{"patient"}, Summary: "1 patient"}, nil
}

func (c chart) allergies(ctx context.Context, sess Session, _ json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	items, err := c.reader.ListAllergies(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      map[string]interface{}{"allergies": items},
		DataAccessed: []string{"allergy"},
		Summary:      countSummary(len(items), "allergy record(s)"),
	}, nil
}

func includeInactive(args json.RawMessage) (bool, error) {
	var in struct {
		IncludeInactive bool `json:"include_inactive"`
	}
	err := decodeArgs(args, &in)
	return in.IncludeInactive, err
}

func (c chart) medications(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	all, err := includeInactive(args)
	if err != nil {
		return nil, err
	}
	items, err := c.reader.ListMedications(ctx, id, !all)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      map[string]interface{}{"medications": items},
		DataAccessed: []string{"medication"},
		Summary:      countSummary(len(items), "medication(s)"),
	}, nil
}

func (c chart) problems(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	all, err := includeInactive(args)
	if err != nil {
		return nil, err
	}
	items, err := c.reader.ListProblems(ctx, id, !all)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      map[string]interface{}{"problems": items},
		DataAccessed: []string{"problem"},
		Summary:      countSummary(len(items), "problem(s)"),
	}, nil
}

func (c chart) visits(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	var in struct {
		Limit int `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Limit == 0 {
		in.Limit = 10
	}
	items, err := c.reader.ListEncounters(ctx, id, in.Limit)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      map[string]interface{}{"encounters": items},
		DataAccessed: []string{"encounter"},
		Summary:      countSummary(len(items), "encounter(s)"),
	}, nil
}

func (c chart) vitals(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	var in struct {
		Kind string `json:"kind"`
		Days int    `json:"days"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Days == 0 {
		in.Days = 90
	}
	since := sess.Now.Add(-time.Duration(in.Days) * 24 * time.Hour)
	items, err := c.reader.ListVitals(ctx, id, in.Kind, since)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:       map[string]interface{}{"vitals": items, "days": in.Days},
		DataAccessed:  []string{"vital_sign"},
		Summary:       countSummary(len(items), "reading(s)"),
		Visualization: vitalsChart(items),
	}, nil
}

func (c chart) orders(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	id, err := boundPatient(sess)
	if err != nil {
		return nil, err
	}
	var in struct {
		Status string `json:"status"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	items, err := c.reader.ListOrders(ctx, id, in.Status)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload:      map[string]interface{}{"orders": items},
		DataAccessed: []string{"clinical_order"},
		Summary:      countSummary(len(items), "order(s)"),
	}, nil
}
