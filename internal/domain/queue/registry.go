package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionSpec describes the session a booking needs.
type SessionSpec struct {
	DoctorID    uuid.UUID
	ChamberID   uuid.UUID
	TemplateID  *uuid.UUID
	Date        time.Time
	StartTime   string
	EndTime     string
	MaxPatients int
}

// Registry maps slots onto stored sessions. Only Ensure writes.
type Registry struct {
	sessions        SessionRepository
	tokens          TokenRepository
	defaultCapacity int
}

func NewRegistry(sessions SessionRepository, tokens TokenRepository, defaultCapacity int) *Registry {
	return &Registry{sessions: sessions, tokens: tokens, defaultCapacity: defaultCapacity}
}

// Find returns the slot's session if it is open, running or paused.
func (r *Registry) Find(ctx context.Context, chamberID uuid.UUID, date time.Time, startTime string) (*Session, error) {
	s, err := r.sessions.Find(ctx, chamberID, date, startTime)
	if err != nil {
		return nil, err
	}
	if s.Status == SessionClosed {
		return nil, ErrNotFound
	}
	return s, nil
}

// Ensure returns the session stored under spec's key, creating an open one
// when none exists. A closed session is returned as is; the key stays taken
// after closing, so callers decide what a closed session means for them.
func (r *Registry) Ensure(ctx context.Context, spec SessionSpec) (*Session, error) {
	s, err := r.sessions.Find(ctx, spec.ChamberID, spec.Date, spec.StartTime)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	capacity := spec.MaxPatients
	if capacity <= 0 {
		capacity = r.defaultCapacity
	}
	s = &Session{
		DoctorID:    spec.DoctorID,
		ChamberID:   spec.ChamberID,
		TemplateID:  spec.TemplateID,
		Date:        spec.Date,
		StartTime:   spec.StartTime,
		EndTime:     spec.EndTime,
		MaxPatients: capacity,
		Status:      SessionOpen,
	}
	err = r.sessions.Insert(ctx, s)
	if errors.Is(err, ErrConflict) {
		return r.sessions.Find(ctx, spec.ChamberID, spec.Date, spec.StartTime)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Occupancy counts the session's waiting and current tokens.
func (r *Registry) Occupancy(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return r.tokens.CountActiveInSession(ctx, sessionID)
}

// Available reports whether s can take another booking at the given occupancy.
func Available(s *Session, occupied int) bool {
	return s.Status != SessionClosed && occupied < s.MaxPatients
}
