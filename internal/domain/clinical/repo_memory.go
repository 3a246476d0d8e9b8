package clinical

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository and UnitOfWork for tests and demos.
// Do snapshots the write tables and restores them when fn fails. Units are
// serialised.
type MemoryRepo struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	clock func() time.Time

	Patients     map[uuid.UUID]*Patient
	Allergies    []*Allergy
	Medications  []*Medication
	Problems     []*Problem
	Encounters   []*Encounter
	Vitals       []*VitalSign
	Orders       []*Order
	Appointments []*Appointment
	Inbox        []*InboxMessage

	// FailOn makes the named write ("problem", "medication", "order") fail.
	FailOn map[string]error
	// Calls counts collaborator calls by method name.
	Calls map[string]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		clock:    time.Now,
		Patients: make(map[uuid.UUID]*Patient),
		FailOn:   make(map[string]error),
		Calls:    make(map[string]int),
	}
}

func (r *MemoryRepo) touch(name string) {
	r.Calls[name]++
}

func (r *MemoryRepo) AddPatient(p *Patient) *Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.Patients[p.ID] = p
	return p
}

func (r *MemoryRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("GetPatient")
	p, ok := r.Patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepo) ListAllergies(_ context.Context, patientID uuid.UUID) ([]*Allergy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListAllergies")
	out := []*Allergy{}
	for _, a := range r.Allergies {
		if a.PatientID == patientID && a.Status == "active" {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListMedications(_ context.Context, patientID uuid.UUID, activeOnly bool) ([]*Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListMedications")
	out := []*Medication{}
	for _, m := range r.Medications {
		if m.PatientID == patientID && (!activeOnly || m.Status == "active") {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListProblems(_ context.Context, patientID uuid.UUID, activeOnly bool) ([]*Problem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListProblems")
	out := []*Problem{}
	for _, p := range r.Problems {
		if p.PatientID == patientID && (!activeOnly || p.Status == "active") {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListEncounters(_ context.Context, patientID uuid.UUID, limit int) ([]*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListEncounters")
	out := []*Encounter{}
	for _, e := range r.Encounters {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) ListVitals(_ context.Context, patientID uuid.UUID, kind string, since time.Time) ([]*VitalSign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListVitals")
	out := []*VitalSign{}
	for _, v := range r.Vitals {
		if v.PatientID == patientID && (kind == "" || v.Kind == kind) && !v.RecordedAt.Before(since) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (r *MemoryRepo) ListOrders(_ context.Context, patientID uuid.UUID, status string) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListOrders")
	out := []*Order{}
	for _, o := range r.Orders {
		if o.PatientID == patientID && (status == "" || o.Status == status) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListAppointments(_ context.Context, providerID string, from, to time.Time) ([]*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListAppointments")
	out := []*Appointment{}
	for _, a := range r.Appointments {
		if (providerID == "" || a.ProviderID == providerID) && !a.StartsAt.Before(from) && a.StartsAt.Before(to) {
			cp := *a
			if p, ok := r.Patients[a.PatientID]; ok {
				cp.PatientName = p.FullName()
			}
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (r *MemoryRepo) ListInbox(_ context.Context, recipientID string, unreadOnly bool, limit int) ([]*InboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("ListInbox")
	out := []*InboxMessage{}
	for _, m := range r.Inbox {
		if m.RecipientID == recipientID && (!unreadOnly || m.ReadAt == nil) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) checkPatient(id uuid.UUID) error {
	if _, ok := r.Patients[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (r *MemoryRepo) CreateProblem(_ context.Context, p *Problem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("CreateProblem")
	if err := r.FailOn["problem"]; err != nil {
		return err
	}
	if err := r.checkPatient(p.PatientID); err != nil {
		return err
	}
	p.ID = uuid.New()
	p.CreatedAt = r.clock()
	r.Problems = append(r.Problems, p)
	return nil
}

func (r *MemoryRepo) CreateMedication(_ context.Context, m *Medication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("CreateMedication")
	if err := r.FailOn["medication"]; err != nil {
		return err
	}
	if err := r.checkPatient(m.PatientID); err != nil {
		return err
	}
	m.ID = uuid.New()
	m.CreatedAt = r.clock()
	r.Medications = append(r.Medications, m)
	return nil
}

func (r *MemoryRepo) CreateOrder(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch("CreateOrder")
	if err := r.FailOn["order"]; err != nil {
		return err
	}
	if err := r.checkPatient(o.PatientID); err != nil {
		return err
	}
	o.ID = uuid.New()
	o.CreatedAt = r.clock()
	r.Orders = append(r.Orders, o)
	return nil
}

// Do implements UnitOfWork.
func (r *MemoryRepo) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	problems := append([]*Problem(nil), r.Problems...)
	meds := append([]*Medication(nil), r.Medications...)
	orders := append([]*Order(nil), r.Orders...)
	r.mu.Unlock()

	if err := fn(ctx); err != nil {
		r.mu.Lock()
		r.Problems, r.Medications, r.Orders = problems, meds, orders
		r.mu.Unlock()
		return err
	}
	return nil
}
