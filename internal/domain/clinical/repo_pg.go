package clinical

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// =========== Patient chart ===========

const patientCols = `id, mrn, first_name, last_name, birth_date, sex, phone, email, active, created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Sex, &p.Phone, &p.Email,
		&p.Active, &p.CreatedAt)
	return &p, err
}

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

const allergyCols = `id, patient_id, substance, reaction, severity, status, recorded_at`

func scanAllergy(row pgx.Row) (*Allergy, error) {
	var a Allergy
	err := row.Scan(&a.ID, &a.PatientID, &a.Substance, &a.Reaction, &a.Severity, &a.Status, &a.RecordedAt)
	return &a, err
}

func (r *repoPG) ListAllergies(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+allergyCols+` FROM allergy
		WHERE patient_id = $1 AND status = 'active' ORDER BY recorded_at DESC`, patientID)
	return collect(rows, err, scanAllergy)
}

const medicationCols = `id, patient_id, name, dose, route, frequency, status, prescriber_id, started_on, created_at`

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dose, &m.Route, &m.Frequency, &m.Status,
		&m.PrescriberID, &m.StartedOn, &m.CreatedAt)
	return &m, err
}

func (r *repoPG) ListMedications(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medicationCols+` FROM medication
		WHERE patient_id = $1 AND ($2 = false OR status = 'active') ORDER BY created_at DESC`, patientID, activeOnly)
	return collect(rows, err, scanMedication)
}

const problemCols = `id, patient_id, code, description, status, onset_date, recorded_by, created_at`

func scanProblem(row pgx.Row) (*Problem, error) {
	var p Problem
	err := row.Scan(&p.ID, &p.PatientID, &p.Code, &p.Description, &p.Status, &p.OnsetDate, &p.RecordedBy, &p.CreatedAt)
	return &p, err
}

func (r *repoPG) ListProblems(ctx context.Context, patientID uuid.UUID, activeOnly bool) ([]*Problem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+problemCols+` FROM problem
		WHERE patient_id = $1 AND ($2 = false OR status = 'active') ORDER BY created_at DESC`, patientID, activeOnly)
	return collect(rows, err, scanProblem)
}

const encounterCols = `id, patient_id, provider_id, encounter_type, reason, started_at, ended_at, notes`

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.PatientID, &e.ProviderID, &e.EncounterType, &e.Reason, &e.StartedAt, &e.EndedAt, &e.Notes)
	return &e, err
}

func (r *repoPG) ListEncounters(ctx context.Context, patientID uuid.UUID, limit int) ([]*Encounter, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+encounterCols+` FROM encounter
		WHERE patient_id = $1 ORDER BY started_at DESC LIMIT $2`, patientID, limit)
	return collect(rows, err, scanEncounter)
}

func scanVital(row pgx.Row) (*VitalSign, error) {
	var v VitalSign
	err := row.Scan(&v.ID, &v.PatientID, &v.Kind, &v.Value, &v.Unit, &v.RecordedAt)
	return &v, err
}

func (r *repoPG) ListVitals(ctx context.Context, patientID uuid.UUID, kind string, since time.Time) ([]*VitalSign, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, patient_id, kind, value::float8, unit, recorded_at FROM vital_sign
		WHERE patient_id = $1 AND ($2 = '' OR kind = $2) AND recorded_at >= $3
		ORDER BY recorded_at`, patientID, kind, since)
	return collect(rows, err, scanVital)
}

const orderCols = `id, patient_id, order_type, code, description, priority, status, ordered_by, created_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.OrderType, &o.Code, &o.Description, &o.Priority, &o.Status,
		&o.OrderedBy, &o.CreatedAt)
	return &o, err
}

func (r *repoPG) ListOrders(ctx context.Context, patientID uuid.UUID, status string) ([]*Order, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+` FROM clinical_order
		WHERE patient_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at DESC`, patientID, status)
	return collect(rows, err, scanOrder)
}

// =========== Worklists ===========

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var first, last string
	err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.StartsAt, &a.EndsAt, &a.Status, &a.Reason, &first, &last)
	a.PatientName = first + " " + last
	return &a, err
}

func (r *repoPG) ListAppointments(ctx context.Context, providerID string, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.patient_id, a.provider_id, a.starts_at, a.ends_at, a.status, a.reason,
			p.first_name, p.last_name
		FROM appointment a JOIN patient p ON p.id = a.patient_id
		WHERE ($1 = '' OR a.provider_id = $1) AND a.starts_at >= $2 AND a.starts_at < $3
		ORDER BY a.starts_at`, providerID, from, to)
	return collect(rows, err, scanAppointment)
}

const inboxCols = `id, recipient_id, patient_id, subject, body, priority, read_at, created_at`

func scanInbox(row pgx.Row) (*InboxMessage, error) {
	var m InboxMessage
	err := row.Scan(&m.ID, &m.RecipientID, &m.PatientID, &m.Subject, &m.Body, &m.Priority, &m.ReadAt, &m.CreatedAt)
	return &m, err
}

func (r *repoPG) ListInbox(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*InboxMessage, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+inboxCols+` FROM inbox_message
		WHERE recipient_id = $1 AND ($2 = false OR read_at IS NULL)
		ORDER BY created_at DESC LIMIT $3`, recipientID, unreadOnly, limit)
	return collect(rows, err, scanInbox)
}

// =========== Writes ===========

func (r *repoPG) CreateProblem(ctx context.Context, p *Problem) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO problem (id, patient_id, code, description, status, onset_date, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		p.ID, p.PatientID, p.Code, p.Description, p.Status, p.OnsetDate, p.RecordedBy).Scan(&p.CreatedAt)
}

func (r *repoPG) CreateMedication(ctx context.Context, m *Medication) error {
	m.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, patient_id, name, dose, route, frequency, status, prescriber_id, started_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at`,
		m.ID, m.PatientID, m.Name, m.Dose, m.Route, m.Frequency, m.Status, m.PrescriberID, m.StartedOn).
		Scan(&m.CreatedAt)
}

func (r *repoPG) CreateOrder(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_order (id, patient_id, order_type, code, description, priority, status, ordered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`,
		o.ID, o.PatientID, o.OrderType, o.Code, o.Description, o.Priority, o.Status, o.OrderedBy).
		Scan(&o.CreatedAt)
}

// =========== Unit of work ===========

type unitOfWorkPG struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewUnitOfWorkPG runs each unit in one transaction with a statement timeout.
func NewUnitOfWorkPG(pool *pgxpool.Pool, statementTimeout time.Duration) UnitOfWork {
	return &unitOfWorkPG{pool: pool, timeout: statementTimeout}
}

func (u *unitOfWorkPG) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, u.pool, db.TxOptions{StatementTimeout: u.timeout}, fn)
}
