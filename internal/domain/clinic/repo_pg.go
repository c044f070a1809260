package clinic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicq/clinicq/internal/platform/db"
)

// =========== Chamber Repository ===========

type chamberRepoPG struct{ pool *pgxpool.Pool }

func NewChamberRepoPG(pool *pgxpool.Pool) ChamberRepository { return &chamberRepoPG{pool: pool} }

func (r *chamberRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const chamberCols = `id, doctor_id, name, address, fee_new_patient, fee_return_patient,
	is_primary, created_at, updated_at`

func scanChamber(row pgx.Row) (*Chamber, error) {
	var c Chamber
	err := row.Scan(&c.ID, &c.DoctorID, &c.Name, &c.Address, &c.FeeNewPatient, &c.FeeReturnPatient,
		&c.IsPrimary, &c.CreatedAt, &c.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chamber: %w", err)
	}
	return &c, nil
}

func (r *chamberRepoPG) Create(ctx context.Context, c *Chamber) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chamber (id, doctor_id, name, address, fee_new_patient, fee_return_patient, is_primary)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		c.ID, c.DoctorID, c.Name, c.Address, c.FeeNewPatient, c.FeeReturnPatient, c.IsPrimary,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *chamberRepoPG) GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Chamber, error) {
	return scanChamber(r.conn(ctx).QueryRow(ctx,
		`SELECT `+chamberCols+` FROM chamber WHERE id = $1 AND doctor_id = $2`, id, doctorID))
}

func (r *chamberRepoPG) Update(ctx context.Context, c *Chamber) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE chamber SET name=$3, address=$4, fee_new_patient=$5, fee_return_patient=$6,
			is_primary=$7, updated_at=NOW()
		WHERE id = $1 AND doctor_id = $2
		RETURNING updated_at`,
		c.ID, c.DoctorID, c.Name, c.Address, c.FeeNewPatient, c.FeeReturnPatient, c.IsPrimary,
	).Scan(&c.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

func (r *chamberRepoPG) Delete(ctx context.Context, doctorID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM chamber WHERE id = $1 AND doctor_id = $2`, id, doctorID)
	if db.IsForeignKeyViolation(err) {
		return ErrInUse
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *chamberRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Chamber, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+chamberCols+` FROM chamber WHERE doctor_id = $1 ORDER BY is_primary DESC, name`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Chamber
	for rows.Next() {
		c, err := scanChamber(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *chamberRepoPG) ClearPrimary(ctx context.Context, doctorID, keepID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE chamber SET is_primary = FALSE, updated_at = NOW()
		 WHERE doctor_id = $1 AND id <> $2 AND is_primary`, doctorID, keepID)
	return err
}

// =========== Template Repository ===========

type templateRepoPG struct{ pool *pgxpool.Pool }

func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository { return &templateRepoPG{pool: pool} }

func (r *templateRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const templateCols = `t.id, t.chamber_id, t.day_of_week, t.start_time, t.end_time,
	t.slot_duration_minutes, t.max_patients, t.active, t.created_at`

func (r *templateRepoPG) list(ctx context.Context, query string, arg uuid.UUID) ([]*Template, error) {
	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.ChamberID, &t.DayOfWeek, &t.StartTime, &t.EndTime,
			&t.SlotDurationMinutes, &t.MaxPatients, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

func (r *templateRepoPG) ListByChamber(ctx context.Context, chamberID uuid.UUID) ([]*Template, error) {
	return r.list(ctx, `SELECT `+templateCols+` FROM availability_template t
		WHERE t.chamber_id = $1 ORDER BY t.day_of_week, t.start_time`, chamberID)
}

func (r *templateRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Template, error) {
	return r.list(ctx, `SELECT `+templateCols+` FROM availability_template t
		JOIN chamber c ON c.id = t.chamber_id
		WHERE c.doctor_id = $1 ORDER BY t.chamber_id, t.day_of_week, t.start_time`, doctorID)
}

func (r *templateRepoPG) ReplaceForChamber(ctx context.Context, chamberID uuid.UUID, ts []*Template) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM availability_template WHERE chamber_id = $1`, chamberID); err != nil {
		return err
	}
	for _, t := range ts {
		t.ID = uuid.New()
		t.ChamberID = chamberID
		if err := q.QueryRow(ctx, `
			INSERT INTO availability_template (id, chamber_id, day_of_week, start_time, end_time,
				slot_duration_minutes, max_patients, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING created_at`,
			t.ID, t.ChamberID, t.DayOfWeek, t.StartTime, t.EndTime,
			t.SlotDurationMinutes, t.MaxPatients, t.Active,
		).Scan(&t.CreatedAt); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
	}
	return nil
}
