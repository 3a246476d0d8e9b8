package actions

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/assistant/internal/domain/clinical"
)

// Action types.
const (
	TypeAddProblem    = "add_problem"
	TypeAddMedication = "add_medication"
	TypeCreateOrder   = "create_order"
)

// Action is one clinical mutation requested by the assistant or confirmed by
// a clinician.
type Action struct {
	Type    string          `json:"type" validate:"required,oneof=add_problem add_medication create_order"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type ProblemPayload struct {
	PatientID   string `json:"patient_id" validate:"required,uuid"`
	Description string `json:"description" validate:"required,max=512"`
	Code        string `json:"code,omitempty" validate:"omitempty,max=64"`
	Status      string `json:"status,omitempty" validate:"omitempty,oneof=active inactive resolved"`
	OnsetDate   string `json:"onset_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type MedicationPayload struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
	Name      string `json:"name" validate:"required,max=255"`
	Dose      string `json:"dose,omitempty" validate:"omitempty,max=128"`
	Route     string `json:"route,omitempty" validate:"omitempty,max=64"`
	Frequency string `json:"frequency,omitempty" validate:"omitempty,max=128"`
	StartedOn string `json:"started_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type OrderPayload struct {
	PatientID   string `json:"patient_id" validate:"required,uuid"`
	OrderType   string `json:"order_type" validate:"required,oneof=lab imaging referral procedure"`
	Description string `json:"description" validate:"required,max=512"`
	Code        string `json:"code,omitempty" validate:"omitempty,max=64"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=routine urgent stat"`
}

// Meta describes the context a batch is committed in.
type Meta struct {
	ConversationID *uuid.UUID
	// PatientID, when set, is the only patient the batch may touch.
	PatientID *uuid.UUID
	// Source names what produced the batch, e.g. a tool name.
	Source string
}

// Executed is one committed action.
type Executed struct {
	Index     int       `json:"index"`
	Type      string    `json:"type"`
	ID        uuid.UUID `json:"id"`
	Table     string    `json:"table"`
	Summary   string    `json:"summary"`
	PatientID uuid.UUID `json:"patient_id"`
}

type Result struct {
	Committed    []Executed `json:"committed"`
	Count        int        `json:"count"`
	AuditEntryID int64      `json:"audit_entry_id"`
}

// ActionError pins a batch failure to the action that caused it.
type ActionError struct {
	Index   int
	Type    string
	Outcome clinical.Outcome
	Err     error
}

func (e *ActionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("batch %s: %v", e.Outcome, e.Err)
	}
	return fmt.Sprintf("action %d (%s) %s: %v", e.Index, e.Type, e.Outcome, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
