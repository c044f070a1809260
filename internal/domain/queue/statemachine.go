package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var tokenTransitions = map[TokenStatus]map[TokenStatus]bool{
	TokenWaiting: {TokenCurrent: true, TokenCancelled: true},
	TokenCurrent: {TokenCompleted: true, TokenCancelled: true},
}

var sessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionOpen:    {SessionRunning: true, SessionClosed: true},
	SessionRunning: {SessionPaused: true, SessionClosed: true},
	SessionPaused:  {SessionRunning: true, SessionClosed: true},
}

// StateMachine moves tokens and sessions between states. Every method
// expects the caller to hold the chamber-day lock inside a transaction.
type StateMachine struct {
	sessions SessionRepository
	tokens   TokenRepository
	now      func() time.Time
}

func NewStateMachine(sessions SessionRepository, tokens TokenRepository, now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{sessions: sessions, tokens: tokens, now: now}
}

func (m *StateMachine) setStatus(ctx context.Context, t *Token, to TokenStatus) error {
	if !tokenTransitions[t.Status][to] {
		return transitionError("token", t.Status, to)
	}
	at := m.now().UTC()
	switch to {
	case TokenCurrent:
		t.CalledAt = &at
	case TokenCompleted:
		t.CompletedAt = &at
	}
	t.Status = to
	return m.tokens.Update(ctx, t)
}

func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// CallNext completes the current token and promotes the lowest waiting one.
// If the current token lacks a prescription or payment and skip is false,
// nothing changes and the result carries Incomplete with the two flags.
// A session-scoped call on a paused or closed session fails. A chamber-wide
// call passes over waiting tokens of paused and closed sessions.
func (m *StateMachine) CallNext(ctx context.Context, scope Scope, skip bool) (*CallResult, error) {
	var session *Session
	if scope.SessionID != nil {
		s, err := m.sessions.Lock(ctx, scope.DoctorID, *scope.SessionID)
		if err != nil {
			return nil, err
		}
		if s.Status == SessionPaused || s.Status == SessionClosed {
			return nil, transitionError("call next on session", s.Status, SessionRunning)
		}
		session = s
	}

	current, err := optional(m.tokens.Current(ctx, scope))
	if err != nil {
		return nil, err
	}
	if current != nil && !skip && (!current.HasPrescription() || !current.PaymentCollected) {
		return &CallResult{
			Incomplete:      true,
			HasPrescription: current.HasPrescription(),
			HasPayment:      current.PaymentCollected,
		}, nil
	}

	if session != nil && session.Status == SessionOpen {
		if err := m.sessions.UpdateStatus(ctx, session.ID, SessionRunning); err != nil {
			return nil, err
		}
		session.Status = SessionRunning
	}

	res := &CallResult{}
	if current != nil {
		if err := m.setStatus(ctx, current, TokenCompleted); err != nil {
			return nil, err
		}
		res.Completed = current
		if err := m.syncSession(ctx, current.SessionID, nil); err != nil {
			return nil, err
		}
	}

	next, err := optional(m.tokens.NextWaiting(ctx, scope))
	if err != nil {
		return nil, err
	}
	if next == nil {
		res.QueueEmpty = true
		return res, nil
	}
	if session == nil && next.SessionID != nil {
		if err := m.startIfOpen(ctx, scope.DoctorID, *next.SessionID); err != nil {
			return nil, err
		}
	}
	if err := m.setStatus(ctx, next, TokenCurrent); err != nil {
		return nil, err
	}
	res.Called = next
	number := next.TokenNumber
	if err := m.syncSession(ctx, next.SessionID, &number); err != nil {
		return nil, err
	}
	return res, nil
}

// CompleteOnly completes the current token without promoting anyone.
func (m *StateMachine) CompleteOnly(ctx context.Context, scope Scope) (*Token, error) {
	current, err := m.tokens.Current(ctx, scope)
	if errors.Is(err, ErrNotFound) {
		return nil, transitionError("complete", "no current token", TokenCompleted)
	}
	if err != nil {
		return nil, err
	}
	if err := m.setStatus(ctx, current, TokenCompleted); err != nil {
		return nil, err
	}
	if err := m.syncSession(ctx, current.SessionID, nil); err != nil {
		return nil, err
	}
	return current, nil
}

// Cancel cancels a waiting or current token. Its number is kept and nothing
// is renumbered. Cancelling a cancelled token reports changed=false.
func (m *StateMachine) Cancel(ctx context.Context, doctorID, tokenID uuid.UUID) (*Token, bool, error) {
	t, err := m.tokens.GetByID(ctx, doctorID, tokenID)
	if err != nil {
		return nil, false, err
	}
	if t.Status == TokenCancelled {
		return t, false, nil
	}
	wasCurrent := t.Status == TokenCurrent
	if err := m.setStatus(ctx, t, TokenCancelled); err != nil {
		return nil, false, err
	}
	if wasCurrent {
		if err := m.syncSession(ctx, t.SessionID, nil); err != nil {
			return nil, false, err
		}
	}
	return t, true, nil
}

// MarkPrescription records the prescription written during the visit.
func (m *StateMachine) MarkPrescription(ctx context.Context, doctorID, tokenID uuid.UUID, prescriptionID string) (*Token, error) {
	if prescriptionID == "" {
		return nil, invalid("prescription_id", "is required")
	}
	t, err := m.tokens.GetByID(ctx, doctorID, tokenID)
	if err != nil {
		return nil, err
	}
	if t.Status == TokenCancelled {
		return nil, transitionError("attach prescription to token", t.Status, t.Status)
	}
	t.PrescriptionID = &prescriptionID
	if err := m.tokens.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkPayment records that the visit fee was collected.
func (m *StateMachine) MarkPayment(ctx context.Context, doctorID, tokenID uuid.UUID, amount float64, method string) (*Token, error) {
	if amount < 0 {
		return nil, invalid("amount", "must not be negative")
	}
	if method == "" {
		return nil, invalid("method", "is required")
	}
	t, err := m.tokens.GetByID(ctx, doctorID, tokenID)
	if err != nil {
		return nil, err
	}
	if t.Status == TokenCancelled {
		return nil, transitionError("collect payment for token", t.Status, t.Status)
	}
	t.PaymentCollected = true
	t.PaymentAmount = &amount
	t.PaymentMethod = &method
	if err := m.tokens.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TransitionSession moves a session to status to. A non-empty from restricts
// the source state, which keeps start and resume apart although both end in
// running. Closing a closed session is a no-op.
func (m *StateMachine) TransitionSession(ctx context.Context, doctorID, sessionID uuid.UUID, from, to SessionStatus) (*Session, error) {
	s, err := m.sessions.Lock(ctx, doctorID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == to && to == SessionClosed {
		return s, nil
	}
	if (from != "" && s.Status != from) || !sessionTransitions[s.Status][to] {
		return nil, transitionError("session", s.Status, to)
	}
	if err := m.sessions.UpdateStatus(ctx, s.ID, to); err != nil {
		return nil, err
	}
	s.Status = to
	return s, nil
}

// startIfOpen marks the called token's session running when a chamber-wide
// call reaches it first.
func (m *StateMachine) startIfOpen(ctx context.Context, doctorID, sessionID uuid.UUID) error {
	s, err := m.sessions.Lock(ctx, doctorID, sessionID)
	if err != nil {
		return err
	}
	if s.Status != SessionOpen {
		return nil
	}
	return m.sessions.UpdateStatus(ctx, s.ID, SessionRunning)
}

// syncSession mirrors the current token number onto its session.
func (m *StateMachine) syncSession(ctx context.Context, sessionID *uuid.UUID, number *int) error {
	if sessionID == nil {
		return nil
	}
	return m.sessions.SetCurrentToken(ctx, *sessionID, number)
}
