package clinical

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MRN       string     `db:"mrn" json:"mrn"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex       *string    `db:"sex" json:"sex,omitempty"`
	Phone     *string    `db:"phone" json:"phone,omitempty"`
	Email     *string    `db:"email" json:"email,omitempty"`
	Active    bool       `db:"active" json:"active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// FullName is "First Last".
func (p *Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

// AgeOn returns whole years at t, or -1 when the birth date is unknown.
func (p *Patient) AgeOn(t time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	b := *p.BirthDate
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	return age
}

type Allergy struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Substance  string    `db:"substance" json:"substance"`
	Reaction   *string   `db:"reaction" json:"reaction,omitempty"`
	Severity   *string   `db:"severity" json:"severity,omitempty"`
	Status     string    `db:"status" json:"status"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

type Medication struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	Name         string     `db:"name" json:"name"`
	Dose         *string    `db:"dose" json:"dose,omitempty"`
	Route        *string    `db:"route" json:"route,omitempty"`
	Frequency    *string    `db:"frequency" json:"frequency,omitempty"`
	Status       string     `db:"status" json:"status"`
	PrescriberID *string    `db:"prescriber_id" json:"prescriber_id,omitempty"`
	StartedOn    *time.Time `db:"started_on" json:"started_on,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

type Problem struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Code        *string    `db:"code" json:"code,omitempty"`
	Description string     `db:"description" json:"description"`
	Status      string     `db:"status" json:"status"`
	OnsetDate   *time.Time `db:"onset_date" json:"onset_date,omitempty"`
	RecordedBy  *string    `db:"recorded_by" json:"recorded_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

type Encounter struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProviderID    *string    `db:"provider_id" json:"provider_id,omitempty"`
	EncounterType string     `db:"encounter_type" json:"encounter_type"`
	Reason        *string    `db:"reason" json:"reason,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	EndedAt       *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Notes         *string    `db:"notes" json:"notes,omitempty"`
}

type VitalSign struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Kind       string    `db:"kind" json:"kind"`
	Value      float64   `db:"value" json:"value"`
	Unit       string    `db:"unit" json:"unit"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// Order maps to the clinical_order table.
type Order struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	OrderType   string    `db:"order_type" json:"order_type"`
	Code        *string   `db:"code" json:"code,omitempty"`
	Description string    `db:"description" json:"description"`
	Priority    string    `db:"priority" json:"priority"`
	Status      string    `db:"status" json:"status"`
	OrderedBy   *string   `db:"ordered_by" json:"ordered_by,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type Appointment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	PatientName string    `db:"-" json:"patient_name"`
	ProviderID  string    `db:"provider_id" json:"provider_id"`
	StartsAt    time.Time `db:"starts_at" json:"starts_at"`
	EndsAt      time.Time `db:"ends_at" json:"ends_at"`
	Status      string    `db:"status" json:"status"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
}

type InboxMessage struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	RecipientID string     `db:"recipient_id" json:"recipient_id"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Subject     string     `db:"subject" json:"subject"`
	Body        *string    `db:"body" json:"body,omitempty"`
	Priority    string     `db:"priority" json:"priority"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
