package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicq/clinicq/internal/platform/db"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// =========== Session Repository ===========

type sessionRepoPG struct {
	pool *pgxpool.Pool
}

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `id, doctor_id, chamber_id, template_id, session_date, start_time, end_time,
	max_patients, status, current_token, created_at, updated_at`

func scanSession(row scanner) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.DoctorID, &s.ChamberID, &s.TemplateID, &s.Date, &s.StartTime, &s.EndTime,
		&s.MaxPatients, &s.Status, &s.CurrentToken, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) one(ctx context.Context, query string, args ...interface{}) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *sessionRepoPG) Find(ctx context.Context, chamberID uuid.UUID, date time.Time, startTime string) (*Session, error) {
	return r.one(ctx, `SELECT `+sessionCols+` FROM session
		WHERE chamber_id = $1 AND session_date = $2 AND start_time = $3`, chamberID, date, startTime)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return r.one(ctx, `SELECT `+sessionCols+` FROM session WHERE doctor_id = $1 AND id = $2`, doctorID, id)
}

// Insert uses ON CONFLICT DO NOTHING so a lost race does not abort the
// surrounding transaction; the caller re-reads the winner.
func (r *sessionRepoPG) Insert(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO session (id, doctor_id, chamber_id, template_id, session_date, start_time, end_time,
			max_patients, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT uq_session_key DO NOTHING
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.ChamberID, s.TemplateID, s.Date, s.StartTime, s.EndTime, s.MaxPatients, s.Status,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) Lock(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return r.one(ctx, `SELECT `+sessionCols+` FROM session WHERE doctor_id = $1 AND id = $2 FOR UPDATE`, doctorID, id)
}

func (r *sessionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE session SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepoPG) SetCurrentToken(ctx context.Context, id uuid.UUID, number *int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE session SET current_token = $2, updated_at = NOW() WHERE id = $1`, id, number)
	if err != nil {
		return fmt.Errorf("set current token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepoPG) ListByDoctorRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM session
		WHERE doctor_id = $1 AND session_date >= $2 AND session_date < $3
		ORDER BY session_date, start_time`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *sessionRepoPG) CloseBefore(ctx context.Context, date time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE session SET status = 'closed', updated_at = NOW()
		WHERE session_date < $1 AND status <> 'closed'`, date)
	if err != nil {
		return 0, fmt.Errorf("close sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =========== Token Repository ===========

type tokenRepoPG struct {
	pool *pgxpool.Pool
}

func NewTokenRepoPG(pool *pgxpool.Pool) TokenRepository {
	return &tokenRepoPG{pool: pool}
}

func (r *tokenRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const tokenCols = `id, doctor_id, patient_id, session_id, chamber_id, token_number, queue_date, status,
	called_at, completed_at, booked_by, prescription_id, payment_collected, payment_amount,
	payment_method, visiting_reason, created_at, updated_at`

func scanToken(row scanner) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.DoctorID, &t.PatientID, &t.SessionID, &t.ChamberID, &t.TokenNumber,
		&t.QueueDate, &t.Status, &t.CalledAt, &t.CompletedAt, &t.BookedBy, &t.PrescriptionID,
		&t.PaymentCollected, &t.PaymentAmount, &t.PaymentMethod, &t.VisitingReason,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepoPG) one(ctx context.Context, query string, args ...interface{}) (*Token, error) {
	t, err := scanToken(r.conn(ctx).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *tokenRepoPG) many(ctx context.Context, query string, args ...interface{}) ([]*Token, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var items []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *tokenRepoPG) Insert(ctx context.Context, t *Token) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_token (id, doctor_id, patient_id, session_id, chamber_id, token_number, queue_date,
			status, booked_by, visiting_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		t.ID, t.DoctorID, t.PatientID, t.SessionID, t.ChamberID, t.TokenNumber, t.QueueDate,
		t.Status, t.BookedBy, t.VisitingReason,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (r *tokenRepoPG) GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Token, error) {
	return r.one(ctx, `SELECT `+tokenCols+` FROM queue_token WHERE doctor_id = $1 AND id = $2`, doctorID, id)
}

func (r *tokenRepoPG) GetPublic(ctx context.Context, id uuid.UUID) (*Token, error) {
	return r.one(ctx, `SELECT `+tokenCols+` FROM queue_token WHERE id = $1`, id)
}

func (r *tokenRepoPG) Update(ctx context.Context, t *Token) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE queue_token SET status = $3, called_at = $4, completed_at = $5, prescription_id = $6,
			payment_collected = $7, payment_amount = $8, payment_method = $9, updated_at = NOW()
		WHERE doctor_id = $1 AND id = $2
		RETURNING updated_at`,
		t.DoctorID, t.ID, t.Status, t.CalledAt, t.CompletedAt, t.PrescriptionID,
		t.PaymentCollected, t.PaymentAmount, t.PaymentMethod,
	).Scan(&t.UpdatedAt)
	switch {
	case db.IsNoRows(err):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("update token: %w", err)
	}
	return nil
}

// NextNumber bumps the chamber-day counter row. The first call for a day seeds
// it from any tokens already present. The row stays locked until commit, so
// concurrent bookings for the same chamber-day queue up here.
func (r *tokenRepoPG) NextNumber(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO token_counter (doctor_id, chamber_id, queue_date, last_number)
		VALUES ($1, $2, $3, COALESCE((
			SELECT MAX(token_number) FROM queue_token
			WHERE doctor_id = $1 AND chamber_id = $2 AND queue_date = $3), 0) + 1)
		ON CONFLICT (doctor_id, chamber_id, queue_date)
		DO UPDATE SET last_number = token_counter.last_number + 1
		RETURNING last_number`, doctorID, chamberID, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next token number: %w", err)
	}
	return n, nil
}

func (r *tokenRepoPG) CountActiveInSession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_token
		WHERE session_id = $1 AND status IN ('waiting', 'current')`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session tokens: %w", err)
	}
	return n, nil
}

func (r *tokenRepoPG) CountActiveBySessions(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return counts, nil
	}
	ids := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		ids[i] = id.String()
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT session_id, COUNT(*) FROM queue_token
		WHERE session_id = ANY($1::uuid[]) AND status IN ('waiting', 'current')
		GROUP BY session_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("count tokens by session: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// scopeFilter renders the WHERE clause for scope, starting at placeholder $1.
func scopeFilter(scope Scope, withSession bool) (string, []interface{}) {
	where := `doctor_id = $1 AND chamber_id = $2 AND queue_date = $3`
	args := []interface{}{scope.DoctorID, scope.ChamberID, scope.Date}
	if withSession && scope.SessionID != nil {
		where += ` AND session_id = $4`
		args = append(args, *scope.SessionID)
	}
	return where, args
}

func (r *tokenRepoPG) CountAhead(ctx context.Context, scope Scope, number int) (int, error) {
	where, args := scopeFilter(scope, false)
	args = append(args, number)
	var n int
	err := r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM queue_token
		WHERE %s AND status IN ('waiting', 'current') AND token_number < $%d`, where, len(args)),
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tokens ahead: %w", err)
	}
	return n, nil
}

func (r *tokenRepoPG) Current(ctx context.Context, scope Scope) (*Token, error) {
	where, args := scopeFilter(scope, false)
	return r.one(ctx, `SELECT `+tokenCols+` FROM queue_token WHERE `+where+` AND status = 'current' FOR UPDATE`, args...)
}

func (r *tokenRepoPG) NextWaiting(ctx context.Context, scope Scope) (*Token, error) {
	where, args := scopeFilter(scope, true)
	return r.one(ctx, `SELECT `+tokenCols+` FROM queue_token WHERE `+where+`
		AND status = 'waiting'
		AND (session_id IS NULL OR session_id IN (SELECT id FROM session WHERE status IN ('open', 'running')))
		ORDER BY token_number LIMIT 1 FOR UPDATE`, args...)
}

func (r *tokenRepoPG) List(ctx context.Context, scope Scope) ([]*Token, error) {
	where, args := scopeFilter(scope, true)
	return r.many(ctx, `SELECT `+tokenCols+` FROM queue_token WHERE `+where+` ORDER BY token_number`, args...)
}
