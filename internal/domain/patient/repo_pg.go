package patient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicq/clinicq/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, doctor_id, name, phone, age, gender, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row scanner) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.DoctorID, &p.Name, &p.Phone, &p.Age, &p.Gender, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create relies on uq_patient_doctor_phone. ON CONFLICT DO NOTHING yields no
// row, which is reported as ErrConflict so the caller can re-read the winner.
func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, doctor_id, name, phone, age, gender)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (doctor_id, phone) DO NOTHING
		RETURNING created_at, updated_at`,
		p.ID, p.DoctorID, p.Name, p.Phone, p.Age, p.Gender,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	switch {
	case db.IsNoRows(err), db.IsUniqueViolation(err):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE doctor_id = $1 AND id = $2`, doctorID, id))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) GetByPhone(ctx context.Context, doctorID uuid.UUID, phone string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE doctor_id = $1 AND phone = $2`, doctorID, phone))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) List(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient
		WHERE doctor_id = $1 ORDER BY name, id LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
