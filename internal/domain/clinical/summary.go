package clinical

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PatientSummary is the compact chart view injected into the assistant's
// system prompt when a conversation is bound to a patient.
type PatientSummary struct {
	PatientID   uuid.UUID `json:"patient_id"`
	Name        string    `json:"name"`
	Age         int       `json:"age"`
	Sex         string    `json:"sex,omitempty"`
	Allergies   []string  `json:"allergies"`
	Problems    []string  `json:"problems"`
	Medications []string  `json:"medications"`
}

// LoadPatientSummary reads demographics, active allergies, problems and
// medications for one patient.
func LoadPatientSummary(ctx context.Context, r ChartReader, patientID uuid.UUID, now time.Time) (*PatientSummary, error) {
	p, err := r.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	s := &PatientSummary{
		PatientID:   p.ID,
		Name:        p.FullName(),
		Age:         p.AgeOn(now),
		Sex:         strVal(p.Sex),
		Allergies:   []string{},
		Problems:    []string{},
		Medications: []string{},
	}

	allergies, err := r.ListAllergies(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load allergies: %w", err)
	}
	for _, a := range allergies {
		entry := a.Substance
		if sev := strVal(a.Severity); sev != "" {
			entry += " (" + sev + ")"
		}
		s.Allergies = append(s.Allergies, entry)
	}

	problems, err := r.ListProblems(ctx, patientID, true)
	if err != nil {
		return nil, fmt.Errorf("load problems: %w", err)
	}
	for _, pr := range problems {
		s.Problems = append(s.Problems, pr.Description)
	}

	meds, err := r.ListMedications(ctx, patientID, true)
	if err != nil {
		return nil, fmt.Errorf("load medications: %w", err)
	}
	for _, m := range meds {
		s.Medications = append(s.Medications, strings.TrimSpace(m.Name+" "+strVal(m.Dose)+" "+strVal(m.Frequency)))
	}
	return s, nil
}

// Text renders the summary for a system prompt.
func (s *PatientSummary) Text() string {
	none := func(items []string) string {
		if len(items) == 0 {
			return "none recorded"
		}
		return strings.Join(items, "; ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %s", s.Name)
	if s.Age >= 0 {
		fmt.Fprintf(&b, ", %d y", s.Age)
	}
	if s.Sex != "" {
		fmt.Fprintf(&b, ", %s", s.Sex)
	}
	fmt.Fprintf(&b, "\nAllergies: %s", none(s.Allergies))
	fmt.Fprintf(&b, "\nActive problems: %s", none(s.Problems))
	fmt.Fprintf(&b, "\nActive medications: %s", none(s.Medications))
	return b.String()
}
