package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/clinic"
	"github.com/clinicq/clinicq/internal/domain/patient"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/lock"
	"github.com/clinicq/clinicq/internal/platform/notification"
)

// Catalog is the read side of chamber setup the queue depends on.
type Catalog interface {
	GetChamber(ctx context.Context, doctorID, id uuid.UUID) (*clinic.Chamber, error)
	Schedules(ctx context.Context, doctorID uuid.UUID) ([]clinic.ChamberSchedule, error)
}

// Patients resolves booking form details to a stored patient.
type Patients interface {
	Resolve(ctx context.Context, doctorID uuid.UUID, in patient.ResolveInput) (*patient.Patient, error)
	Get(ctx context.Context, doctorID, id uuid.UUID) (*patient.Patient, error)
}

type Config struct {
	DefaultCapacity int
	InternalHorizon int
	PublicHorizon   int
	FilterElapsed   bool
	MaxRetries      int
	Location        *time.Location
	Now             func() time.Time
}

type Deps struct {
	Tx       db.TxRunner
	Locks    lock.Locker
	Catalog  Catalog
	Patients Patients
	Sessions SessionRepository
	Tokens   TokenRepository
	Events   notification.Publisher
	Logger   zerolog.Logger
}

type Service struct {
	cfg       Config
	tx        db.TxRunner
	locks     lock.Locker
	catalog   Catalog
	patients  Patients
	sessions  SessionRepository
	tokens    TokenRepository
	events    notification.Publisher
	logger    zerolog.Logger
	registry  *Registry
	allocator *Allocator
	machine   *StateMachine
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if d.Tx == nil {
		d.Tx = db.Passthrough{}
	}
	if d.Locks == nil {
		d.Locks = lock.NewLocal()
	}
	if d.Events == nil {
		d.Events = notification.NopPublisher{}
	}
	return &Service{
		cfg:       cfg,
		tx:        d.Tx,
		locks:     d.Locks,
		catalog:   d.Catalog,
		patients:  d.Patients,
		sessions:  d.Sessions,
		tokens:    d.Tokens,
		events:    d.Events,
		logger:    d.Logger,
		registry:  NewRegistry(d.Sessions, d.Tokens, cfg.DefaultCapacity),
		allocator: NewAllocator(d.Tokens),
		machine:   NewStateMachine(d.Sessions, d.Tokens, cfg.Now),
	}
}

// Today is the current calendar day in the clinic's time zone.
func (s *Service) Today() time.Time {
	return DateOf(s.cfg.Now(), s.cfg.Location)
}

func (s *Service) expander(horizon int) Expander {
	return Expander{
		Horizon:         horizon,
		FilterElapsed:   s.cfg.FilterElapsed,
		DefaultCapacity: s.cfg.DefaultCapacity,
		Now:             s.cfg.Now,
		Location:        s.cfg.Location,
	}
}

// withScope runs fn under the scope's lock inside one transaction.
func (s *Service) withScope(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	release, err := s.locks.Acquire(ctx, scope.Key())
	if err != nil {
		return &PersistenceError{Op: "acquire queue lock", Err: err}
	}
	defer release()
	return s.tx.WithinTx(ctx, fn)
}

func chamberError(err error) error {
	if errors.Is(err, clinic.ErrNotFound) {
		return fmt.Errorf("chamber: %w", ErrNotFound)
	}
	return err
}

// -- Slots & availability --

// Slots expands the doctor's templates over horizon days from from.
func (s *Service) Slots(ctx context.Context, doctorID uuid.UUID, from time.Time, horizon int) ([]Slot, error) {
	schedules, err := s.catalog.Schedules(ctx, doctorID)
	if err != nil {
		return nil, classify("load schedules", err)
	}
	var out []Slot
	for slot := range s.expander(horizon).Expand(schedules, from) {
		out = append(out, slot)
	}
	return out, nil
}

// Availability joins expanded slots with their sessions and occupancy. It
// never creates sessions.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, from time.Time, horizon int) ([]AvailabilitySlot, error) {
	schedules, err := s.catalog.Schedules(ctx, doctorID)
	if err != nil {
		return nil, classify("load schedules", err)
	}
	sessions, err := s.sessions.ListByDoctorRange(ctx, doctorID, from, from.AddDate(0, 0, horizon))
	if err != nil {
		return nil, classify("list sessions", err)
	}

	byKey := make(map[sessionKey]*Session, len(sessions))
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, sess := range sessions {
		byKey[sessionKey{sess.ChamberID, sess.Date, sess.StartTime}] = sess
		ids = append(ids, sess.ID)
	}
	counts, err := s.tokens.CountActiveBySessions(ctx, ids)
	if err != nil {
		return nil, classify("count occupancy", err)
	}

	var out []AvailabilitySlot
	for slot := range s.expander(horizon).Expand(schedules, from) {
		item := AvailabilitySlot{Slot: slot, MaxPatients: slot.Capacity, IsAvailable: true}
		if sess, ok := byKey[sessionKey{slot.ChamberID, slot.Date, slot.StartTime}]; ok {
			id, status := sess.ID, sess.Status
			item.SessionID = &id
			item.SessionStatus = &status
			item.MaxPatients = sess.MaxPatients
			item.Occupied = counts[sess.ID]
			item.IsAvailable = Available(sess, item.Occupied)
		}
		out = append(out, item)
	}
	return out, nil
}

// -- Sessions --

func (s *Service) GetSession(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, doctorID, id)
	return sess, classify("get session", err)
}

// FindSession returns the open, running or paused session of a slot.
func (s *Service) FindSession(ctx context.Context, chamberID uuid.UUID, date time.Time, startTime string) (*Session, error) {
	sess, err := s.registry.Find(ctx, chamberID, date, startTime)
	return sess, classify("find session", err)
}

func (s *Service) ListSessions(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Session, error) {
	items, err := s.sessions.ListByDoctorRange(ctx, doctorID, from, to)
	return items, classify("list sessions", err)
}

// OpenSession creates the session for a template slot without booking into
// it, so staff can start a queue before the first patient arrives.
func (s *Service) OpenSession(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time, startTime string) (*Session, error) {
	spec, err := s.templateSpec(ctx, doctorID, chamberID, date, startTime)
	if err != nil {
		return nil, err
	}
	var sess *Session
	err = s.withScope(ctx, Scope{DoctorID: doctorID, ChamberID: chamberID, Date: date}, func(ctx context.Context) error {
		var err error
		sess, err = s.registry.Ensure(ctx, *spec)
		return err
	})
	return sess, classify("open session", err)
}

func (s *Service) StartSession(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return s.transitionSession(ctx, doctorID, id, SessionOpen, SessionRunning)
}

func (s *Service) PauseSession(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return s.transitionSession(ctx, doctorID, id, SessionRunning, SessionPaused)
}

func (s *Service) ResumeSession(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return s.transitionSession(ctx, doctorID, id, SessionPaused, SessionRunning)
}

func (s *Service) CloseSession(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return s.transitionSession(ctx, doctorID, id, "", SessionClosed)
}

func (s *Service) transitionSession(ctx context.Context, doctorID, id uuid.UUID, from, to SessionStatus) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, doctorID, id)
	if err != nil {
		return nil, classify("get session", err)
	}
	scope := Scope{DoctorID: doctorID, ChamberID: sess.ChamberID, Date: sess.Date}
	err = s.withScope(ctx, scope, func(ctx context.Context) error {
		var err error
		sess, err = s.machine.TransitionSession(ctx, doctorID, id, from, to)
		return err
	})
	if err != nil {
		return nil, classify("transition session", err)
	}
	s.logger.Info().
		Str("session_id", id.String()).
		Str("status", string(sess.Status)).
		Msg("session " + string(to))
	return sess, nil
}

// -- Queue --

// resolveScope fills chamber and date from the session when one is named.
func (s *Service) resolveScope(ctx context.Context, scope Scope) (Scope, error) {
	if scope.SessionID == nil {
		if scope.ChamberID == uuid.Nil {
			return scope, invalid("chamber_id", "is required")
		}
		if scope.Date.IsZero() {
			scope.Date = s.Today()
		}
		return scope, nil
	}
	sess, err := s.sessions.GetByID(ctx, scope.DoctorID, *scope.SessionID)
	if err != nil {
		return scope, classify("get session", err)
	}
	if scope.ChamberID != uuid.Nil && scope.ChamberID != sess.ChamberID {
		return scope, invalid("session_id", "belongs to another chamber")
	}
	if !scope.Date.IsZero() && !scope.Date.Equal(sess.Date) {
		return scope, invalid("session_id", "is dated %s", FormatDate(sess.Date))
	}
	scope.ChamberID = sess.ChamberID
	scope.Date = sess.Date
	return scope, nil
}

// Board lists the queue's tokens in number order with per-status counts.
func (s *Service) Board(ctx context.Context, scope Scope) (*Board, error) {
	scope, err := s.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	tokens, err := s.tokens.List(ctx, scope)
	if err != nil {
		return nil, classify("list tokens", err)
	}
	current, err := optional(s.tokens.Current(ctx, scope))
	if err != nil {
		return nil, classify("current token", err)
	}

	board := &Board{
		Tokens:  tokens,
		Counts:  map[TokenStatus]int{TokenWaiting: 0, TokenCurrent: 0, TokenCompleted: 0, TokenCancelled: 0},
		Current: current,
	}
	if board.Tokens == nil {
		board.Tokens = []*Token{}
	}
	for _, t := range tokens {
		board.Counts[t.Status]++
	}
	if scope.SessionID != nil {
		if board.Session, err = s.sessions.GetByID(ctx, scope.DoctorID, *scope.SessionID); err != nil {
			return nil, classify("get session", err)
		}
	}
	return board, nil
}

// CallNext advances the queue. See StateMachine.CallNext.
func (s *Service) CallNext(ctx context.Context, scope Scope, skipIncomplete bool) (*CallResult, error) {
	scope, err := s.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	var res *CallResult
	err = s.withScope(ctx, scope, func(ctx context.Context) error {
		var err error
		res, err = s.machine.CallNext(ctx, scope, skipIncomplete)
		return err
	})
	if err != nil {
		return nil, classify("call next", err)
	}

	if res.Completed != nil {
		s.publish(ctx, notification.EventTokenCompleted, res.Completed, 0)
	}
	if res.Called != nil {
		s.logger.Info().
			Str("token_id", res.Called.ID.String()).
			Int("token_number", res.Called.TokenNumber).
			Bool("skipped_checks", skipIncomplete).
			Msg("token called")
		s.publish(ctx, notification.EventTokenCalled, res.Called, 0)
	}
	return res, nil
}

// CompleteCurrent completes the current token without calling the next one.
func (s *Service) CompleteCurrent(ctx context.Context, scope Scope) (*Token, error) {
	scope, err := s.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	var t *Token
	err = s.withScope(ctx, scope, func(ctx context.Context) error {
		var err error
		t, err = s.machine.CompleteOnly(ctx, scope)
		return err
	})
	if err != nil {
		return nil, classify("complete current", err)
	}
	s.publish(ctx, notification.EventTokenCompleted, t, 0)
	return t, nil
}

// -- Tokens --

func (s *Service) GetToken(ctx context.Context, doctorID, id uuid.UUID) (*Token, error) {
	t, err := s.tokens.GetByID(ctx, doctorID, id)
	return t, classify("get token", err)
}

// TokenStatus is the patient-facing view of a token with its live position.
func (s *Service) TokenStatus(ctx context.Context, id uuid.UUID) (*PublicToken, error) {
	t, err := s.tokens.GetPublic(ctx, id)
	if err != nil {
		return nil, classify("get token", err)
	}
	view := &PublicToken{
		ID:          t.ID,
		ChamberID:   t.ChamberID,
		TokenNumber: t.TokenNumber,
		QueueDate:   FormatDate(t.QueueDate),
		Status:      t.Status,
		CalledAt:    t.CalledAt,
	}
	if t.Status == TokenWaiting {
		if view.WaitingAhead, err = s.tokens.CountAhead(ctx, t.Scope(), t.TokenNumber); err != nil {
			return nil, classify("count ahead", err)
		}
	}
	return view, nil
}

// onToken runs fn under the lock of the token's queue.
func (s *Service) onToken(ctx context.Context, doctorID, id uuid.UUID, fn func(ctx context.Context) error) error {
	t, err := s.tokens.GetByID(ctx, doctorID, id)
	if err != nil {
		return err
	}
	return s.withScope(ctx, t.Scope(), fn)
}

func (s *Service) CancelToken(ctx context.Context, doctorID, id uuid.UUID) (*Token, error) {
	var t *Token
	var changed bool
	err := s.onToken(ctx, doctorID, id, func(ctx context.Context) error {
		var err error
		t, changed, err = s.machine.Cancel(ctx, doctorID, id)
		return err
	})
	if err != nil {
		return nil, classify("cancel token", err)
	}
	if changed {
		s.logger.Info().Str("token_id", id.String()).Int("token_number", t.TokenNumber).Msg("token cancelled")
		s.publish(ctx, notification.EventTokenCancelled, t, 0)
	}
	return t, nil
}

func (s *Service) MarkPrescription(ctx context.Context, doctorID, id uuid.UUID, prescriptionID string) (*Token, error) {
	var t *Token
	err := s.onToken(ctx, doctorID, id, func(ctx context.Context) error {
		var err error
		t, err = s.machine.MarkPrescription(ctx, doctorID, id, prescriptionID)
		return err
	})
	return t, classify("mark prescription", err)
}

func (s *Service) MarkPayment(ctx context.Context, doctorID, id uuid.UUID, amount float64, method string) (*Token, error) {
	var t *Token
	err := s.onToken(ctx, doctorID, id, func(ctx context.Context) error {
		var err error
		t, err = s.machine.MarkPayment(ctx, doctorID, id, amount, method)
		return err
	})
	return t, classify("mark payment", err)
}

// -- Events --

// publish sends a token event. Delivery failures are logged, never returned:
// the queue change has already committed.
func (s *Service) publish(ctx context.Context, kind notification.EventKind, t *Token, waitingAhead int) {
	evt := notification.TokenEvent{
		Kind:         kind,
		TokenID:      t.ID.String(),
		DoctorID:     t.DoctorID.String(),
		ChamberID:    t.ChamberID.String(),
		TokenNumber:  t.TokenNumber,
		QueueDate:    FormatDate(t.QueueDate),
		WaitingAhead: waitingAhead,
		OccurredAt:   s.cfg.Now().UTC(),
	}
	if c, err := s.catalog.GetChamber(ctx, t.DoctorID, t.ChamberID); err == nil {
		evt.ChamberName = c.Name
	}
	if p, err := s.patients.Get(ctx, t.DoctorID, t.PatientID); err == nil {
		evt.PatientName = p.Name
		evt.PatientPhone = p.Phone
	}
	if t.SessionID != nil {
		if sess, err := s.sessions.GetByID(ctx, t.DoctorID, *t.SessionID); err == nil {
			evt.StartTime = sess.StartTime
		}
	}

	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("kind", string(kind)).
			Str("token_id", evt.TokenID).
			Msg("publish token event")
	}
}
