package clinical

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChartReader serves the patient-scoped read tools.
type ChartReader interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListAllergies(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error)
	ListMedications(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Medication, error)
	ListProblems(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Problem, error)
	ListEncounters(ctx context.Context, patientID uuid.UUID, limit int) ([]*Encounter, error)
	ListVitals(ctx context.Context, patientID uuid.UUID, kind string, since time.Time) ([]*VitalSign, error)
	ListOrders(ctx context.Context, patientID uuid.UUID, status string) ([]*Order, error)
}

// WorklistReader serves the tenant-scoped read tools.
type WorklistReader interface {
	ListAppointments(ctx context.Context, providerID string, from, to time.Time) ([]*Appointment, error)
	ListInbox(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*InboxMessage, error)
}

// ChartWriter performs the mutations write actions commit. Implementations
// must honour the transaction bound to ctx.
type ChartWriter interface {
	CreateProblem(ctx context.Context, p *Problem) error
	CreateMedication(ctx context.Context, m *Medication) error
	CreateOrder(ctx context.Context, o *Order) error
}

type Repository interface {
	ChartReader
	WorklistReader
	ChartWriter
}

// UnitOfWork runs fn atomically: either every write fn makes through ctx is
// kept, or none is.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}
