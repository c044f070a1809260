package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionRepository stores sessions. Find and Insert are keyed by
// (chamber, date, start time), which is unique across all statuses.
type SessionRepository interface {
	Find(ctx context.Context, chamberID uuid.UUID, date time.Time, startTime string) (*Session, error)
	GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Session, error)
	// Insert returns ErrConflict when the key is already taken.
	Insert(ctx context.Context, s *Session) error
	// Lock reads the session and holds it against concurrent writers until
	// the surrounding transaction ends.
	Lock(ctx context.Context, doctorID, id uuid.UUID) (*Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error
	SetCurrentToken(ctx context.Context, id uuid.UUID, number *int) error
	// ListByDoctorRange returns sessions dated in [from, to).
	ListByDoctorRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Session, error)
	// CloseBefore closes every session dated before date and reports how many.
	CloseBefore(ctx context.Context, date time.Time) (int64, error)
}

// TokenRepository stores queue tokens. Tokens are never deleted.
type TokenRepository interface {
	// Insert returns ErrConflict when the number or the current slot of the
	// chamber-day is already taken.
	Insert(ctx context.Context, t *Token) error
	GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Token, error)
	// GetPublic looks a token up by id alone, for the unauthenticated status page.
	GetPublic(ctx context.Context, id uuid.UUID) (*Token, error)
	Update(ctx context.Context, t *Token) error
	// NextNumber reserves the next token number for the chamber-day.
	NextNumber(ctx context.Context, doctorID, chamberID uuid.UUID, date time.Time) (int, error)
	CountActiveInSession(ctx context.Context, sessionID uuid.UUID) (int, error)
	CountActiveBySessions(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]int, error)
	// CountAhead counts active tokens of the chamber-day numbered below
	// number. SessionID is ignored.
	CountAhead(ctx context.Context, scope Scope, number int) (int, error)
	// Current returns the chamber-day's current token. It ignores scope.SessionID.
	Current(ctx context.Context, scope Scope) (*Token, error)
	// NextWaiting returns the lowest-numbered waiting token in scope whose
	// session, if any, is open or running.
	NextWaiting(ctx context.Context, scope Scope) (*Token, error)
	List(ctx context.Context, scope Scope) ([]*Token, error)
}
