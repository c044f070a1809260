package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionOpen    SessionStatus = "open"
	SessionRunning SessionStatus = "running"
	SessionPaused  SessionStatus = "paused"
	SessionClosed  SessionStatus = "closed"
)

type TokenStatus string

const (
	TokenWaiting   TokenStatus = "waiting"
	TokenCurrent   TokenStatus = "current"
	TokenCompleted TokenStatus = "completed"
	TokenCancelled TokenStatus = "cancelled"
)

type BookedBy string

const (
	BookedInternal BookedBy = "internal"
	BookedPublic   BookedBy = "public"
)

var validBookedBy = map[BookedBy]bool{BookedInternal: true, BookedPublic: true}

// Session is the dated instance of a template. It snapshots the window and
// capacity so later template edits leave it alone.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	DoctorID     uuid.UUID     `json:"doctor_id"`
	ChamberID    uuid.UUID     `json:"chamber_id"`
	TemplateID   *uuid.UUID    `json:"template_id,omitempty"`
	Date         time.Time     `json:"date"`
	StartTime    string        `json:"start_time"`
	EndTime      string        `json:"end_time"`
	MaxPatients  int           `json:"max_patients"`
	Status       SessionStatus `json:"status"`
	CurrentToken *int          `json:"current_token,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Token is a patient's numbered place in a chamber's queue for one day.
type Token struct {
	ID               uuid.UUID   `json:"id"`
	DoctorID         uuid.UUID   `json:"doctor_id"`
	PatientID        uuid.UUID   `json:"patient_id"`
	SessionID        *uuid.UUID  `json:"session_id,omitempty"`
	ChamberID        uuid.UUID   `json:"chamber_id"`
	TokenNumber      int         `json:"token_number"`
	QueueDate        time.Time   `json:"queue_date"`
	Status           TokenStatus `json:"status"`
	CalledAt         *time.Time  `json:"called_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	BookedBy         BookedBy    `json:"booked_by"`
	PrescriptionID   *string     `json:"prescription_id,omitempty"`
	PaymentCollected bool        `json:"payment_collected"`
	PaymentAmount    *float64    `json:"payment_amount,omitempty"`
	PaymentMethod    *string     `json:"payment_method,omitempty"`
	VisitingReason   *string     `json:"visiting_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Active reports whether the token still occupies a place in the queue.
func (t *Token) Active() bool {
	return t.Status == TokenWaiting || t.Status == TokenCurrent
}

func (t *Token) HasPrescription() bool {
	return t.PrescriptionID != nil && *t.PrescriptionID != ""
}

// Scope returns the queue the token was issued in, narrowed to its session.
func (t *Token) Scope() Scope {
	return Scope{DoctorID: t.DoctorID, ChamberID: t.ChamberID, Date: t.QueueDate, SessionID: t.SessionID}
}

// Scope identifies one chamber's queue for one day. Token numbers are unique
// and a single token may be current within (doctor, chamber, date). SessionID
// optionally narrows which waiting tokens are considered.
type Scope struct {
	DoctorID  uuid.UUID
	ChamberID uuid.UUID
	Date      time.Time
	SessionID *uuid.UUID
}

// Key names the scope for locking. It ignores SessionID so that every
// session of a chamber-day shares one lock.
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.DoctorID, s.ChamberID, FormatDate(s.Date))
}

func (s Scope) matches(t *Token) bool {
	return t.DoctorID == s.DoctorID && t.ChamberID == s.ChamberID && t.QueueDate.Equal(s.Date)
}

func (s Scope) matchesSession(t *Token) bool {
	if !s.matches(t) {
		return false
	}
	if s.SessionID == nil {
		return true
	}
	return t.SessionID != nil && *t.SessionID == *s.SessionID
}

// CallResult reports what callNext did. When Incomplete is set nothing
// changed and the flags say what the current token is missing.
type CallResult struct {
	Incomplete      bool   `json:"incomplete"`
	HasPrescription bool   `json:"has_prescription"`
	HasPayment      bool   `json:"has_payment"`
	Completed       *Token `json:"completed,omitempty"`
	Called          *Token `json:"called,omitempty"`
	QueueEmpty      bool   `json:"queue_empty"`
}

// AvailabilitySlot is a slot joined with its session, if one exists yet.
type AvailabilitySlot struct {
	Slot
	SessionID     *uuid.UUID     `json:"session_id,omitempty"`
	SessionStatus *SessionStatus `json:"session_status,omitempty"`
	MaxPatients   int            `json:"max_patients"`
	Occupied      int            `json:"occupied"`
	IsAvailable   bool           `json:"is_available"`
}

// Board is a snapshot of one queue.
type Board struct {
	Tokens  []*Token            `json:"tokens"`
	Counts  map[TokenStatus]int `json:"counts"`
	Current *Token              `json:"current,omitempty"`
	Session *Session            `json:"session,omitempty"`
}

// PublicToken is what an unauthenticated patient may see about a token.
type PublicToken struct {
	ID           uuid.UUID   `json:"id"`
	ChamberID    uuid.UUID   `json:"chamber_id"`
	TokenNumber  int         `json:"token_number"`
	QueueDate    string      `json:"queue_date"`
	Status       TokenStatus `json:"status"`
	CalledAt     *time.Time  `json:"called_at,omitempty"`
	WaitingAhead int         `json:"waiting_ahead"`
}
