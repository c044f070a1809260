package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/domain/patient"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/notification"
)

// BookingRequest names the queue and slot to book into and the patient.
// SessionID wins over StartTime; with neither, the token joins the
// chamber-day queue without a session. Public bookings must name a slot
// whenever the chamber has templates that day.
type BookingRequest struct {
	DoctorID       uuid.UUID
	ChamberID      uuid.UUID
	QueueDate      time.Time
	SessionID      *uuid.UUID
	StartTime      string
	PatientName    string
	PatientPhone   string
	PatientAge     *int
	PatientGender  *string
	VisitingReason *string
	BookedBy       BookedBy
}

// Booking is the committed result of Book.
type Booking struct {
	Token        *Token           `json:"token"`
	Patient      *patient.Patient `json:"patient"`
	Session      *Session         `json:"session,omitempty"`
	WaitingAhead int              `json:"waiting_ahead"`
}

func (s *Service) validateBooking(req *BookingRequest) error {
	if req.DoctorID == uuid.Nil {
		return invalid("doctor_id", "is required")
	}
	if req.ChamberID == uuid.Nil {
		return invalid("chamber_id", "is required")
	}
	if req.QueueDate.IsZero() {
		return invalid("queue_date", "is required")
	}
	if req.BookedBy == "" {
		req.BookedBy = BookedInternal
	}
	if !validBookedBy[req.BookedBy] {
		return invalid("booked_by", "invalid value %q", req.BookedBy)
	}
	if req.VisitingReason != nil && strings.TrimSpace(*req.VisitingReason) == "" {
		req.VisitingReason = nil
	}

	today := s.Today()
	if req.QueueDate.Before(today) {
		return invalid("queue_date", "%s is in the past", FormatDate(req.QueueDate))
	}
	if req.BookedBy == BookedPublic {
		last := today.AddDate(0, 0, s.cfg.PublicHorizon-1)
		if req.QueueDate.After(last) {
			return invalid("queue_date", "must be on or before %s", FormatDate(last))
		}
	}
	if _, err := patient.NormalizePhone(req.PatientPhone); err != nil {
		return patientError(err)
	}
	if strings.TrimSpace(req.PatientName) == "" {
		return invalid("patient_name", "is required")
	}
	return nil
}

func patientError(err error) error {
	var pve *patient.ValidationError
	if errors.As(err, &pve) {
		return invalid("patient_"+pve.Field, "%s", pve.Message)
	}
	return err
}

// hasTemplatesOn reports whether the chamber has any active template on
// date's weekday.
func (s *Service) hasTemplatesOn(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) (bool, error) {
	schedules, err := s.catalog.Schedules(ctx, doctorID)
	if err != nil {
		return false, classify("load schedules", err)
	}
	for _, sched := range schedules {
		if sched.Chamber.ID == chamberID && len(sched.TemplatesOn(date.Weekday())) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// templateSpec matches startTime against the chamber's active templates for
// date's weekday.
func (s *Service) templateSpec(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time, startTime string) (*SessionSpec, error) {
	schedules, err := s.catalog.Schedules(ctx, doctorID)
	if err != nil {
		return nil, classify("load schedules", err)
	}
	for _, sched := range schedules {
		if sched.Chamber.ID != chamberID {
			continue
		}
		for _, t := range sched.TemplatesOn(date.Weekday()) {
			if t.StartTime != startTime {
				continue
			}
			templateID := t.ID
			return &SessionSpec{
				DoctorID:    doctorID,
				ChamberID:   chamberID,
				TemplateID:  &templateID,
				Date:        date,
				StartTime:   t.StartTime,
				EndTime:     t.EndTime,
				MaxPatients: t.Capacity(s.cfg.DefaultCapacity),
			}, nil
		}
	}
	return nil, invalid("start_time", "no active template at %s on %s", startTime, date.Weekday())
}

// Book issues a token. Inside the chamber-day lock and one transaction it
// ensures and locks the session, re-checks status and capacity, resolves the
// patient, then numbers and stores the token. A lost race on a unique key
// restarts the transaction up to MaxRetries times.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	if err := s.validateBooking(&req); err != nil {
		return nil, err
	}
	if _, err := s.catalog.GetChamber(ctx, req.DoctorID, req.ChamberID); err != nil {
		return nil, classify("get chamber", chamberError(err))
	}

	var spec *SessionSpec
	switch {
	case req.SessionID != nil:
		sess, err := s.sessions.GetByID(ctx, req.DoctorID, *req.SessionID)
		if err != nil {
			return nil, classify("get session", err)
		}
		if sess.ChamberID != req.ChamberID || !sess.Date.Equal(req.QueueDate) {
			return nil, invalid("session_id", "does not match chamber and queue_date")
		}
	case req.StartTime != "":
		var err error
		if spec, err = s.templateSpec(ctx, req.DoctorID, req.ChamberID, req.QueueDate, req.StartTime); err != nil {
			return nil, err
		}
	case req.BookedBy == BookedPublic:
		scheduled, err := s.hasTemplatesOn(ctx, req.DoctorID, req.ChamberID, req.QueueDate)
		if err != nil {
			return nil, err
		}
		if scheduled {
			return nil, invalid("start_time", "is required for public booking on %s", req.QueueDate.Weekday())
		}
	}

	scope := Scope{DoctorID: req.DoctorID, ChamberID: req.ChamberID, Date: req.QueueDate}
	var b *Booking
	var err error
	for attempt := 1; ; attempt++ {
		err = s.withScope(ctx, scope, func(ctx context.Context) error {
			var err error
			b, err = s.book(ctx, req, spec)
			return err
		})
		if err == nil {
			break
		}
		retryable := errors.Is(err, ErrConflict) || db.IsRetryable(err)
		if !retryable || attempt >= s.cfg.MaxRetries {
			return nil, classify("book token", err)
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("booking conflict, retrying")
	}

	s.logger.Info().
		Str("doctor_id", req.DoctorID.String()).
		Str("token_id", b.Token.ID.String()).
		Int("token_number", b.Token.TokenNumber).
		Str("booked_by", string(req.BookedBy)).
		Msg("token booked")
	s.publish(ctx, notification.EventTokenBooked, b.Token, b.WaitingAhead)
	return b, nil
}

func (s *Service) book(ctx context.Context, req BookingRequest, spec *SessionSpec) (*Booking, error) {
	var sess *Session
	switch {
	case req.SessionID != nil:
		locked, err := s.sessions.Lock(ctx, req.DoctorID, *req.SessionID)
		if err != nil {
			return nil, err
		}
		sess = locked
	case spec != nil:
		ensured, err := s.registry.Ensure(ctx, *spec)
		if err != nil {
			return nil, err
		}
		if sess, err = s.sessions.Lock(ctx, req.DoctorID, ensured.ID); err != nil {
			return nil, err
		}
	}

	if sess != nil {
		if sess.Status == SessionClosed {
			return nil, ErrSessionClosed
		}
		occupied, err := s.registry.Occupancy(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if !Available(sess, occupied) {
			return nil, ErrSessionFull
		}
	}

	p, err := s.patients.Resolve(ctx, req.DoctorID, patient.ResolveInput{
		Name:   req.PatientName,
		Phone:  req.PatientPhone,
		Age:    req.PatientAge,
		Gender: req.PatientGender,
	})
	if err != nil {
		return nil, patientError(err)
	}

	t := &Token{
		DoctorID:       req.DoctorID,
		PatientID:      p.ID,
		ChamberID:      req.ChamberID,
		QueueDate:      req.QueueDate,
		BookedBy:       req.BookedBy,
		VisitingReason: req.VisitingReason,
	}
	if sess != nil {
		id := sess.ID
		t.SessionID = &id
	}
	ahead, err := s.allocator.Issue(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Booking{Token: t, Patient: p, Session: sess, WaitingAhead: ahead}, nil
}
