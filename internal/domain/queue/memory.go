package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionKey struct {
	chamberID uuid.UUID
	date      time.Time
	startTime string
}

// MemoryStore keeps sessions and tokens in process memory behind one mutex.
// It enforces the same unique keys as the Postgres schema. It has no
// rollback, so callers serialize each chamber-day with a lock.Locker.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Session
	keys     map[sessionKey]uuid.UUID
	tokens   map[uuid.UUID]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]Session),
		keys:     make(map[sessionKey]uuid.UUID),
		tokens:   make(map[uuid.UUID]Token),
	}
}

func (m *MemoryStore) Sessions() SessionRepository { return memorySessions{m} }

func (m *MemoryStore) Tokens() TokenRepository { return memoryTokens{m} }

type memorySessions struct{ *MemoryStore }

func (m memorySessions) Find(_ context.Context, chamberID uuid.UUID, date time.Time, startTime string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[sessionKey{chamberID, date, startTime}]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.sessions[id]
	return &s, nil
}

func (m memorySessions) GetByID(_ context.Context, doctorID, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.DoctorID != doctorID {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m memorySessions) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{s.ChamberID, s.Date, s.StartTime}
	if _, exists := m.keys[key]; exists {
		return ErrConflict
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	m.sessions[s.ID] = *s
	m.keys[key] = s.ID
	return nil
}

func (m memorySessions) Lock(ctx context.Context, doctorID, id uuid.UUID) (*Session, error) {
	return m.GetByID(ctx, doctorID, id)
}

func (m memorySessions) UpdateStatus(_ context.Context, id uuid.UUID, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m memorySessions) SetCurrentToken(_ context.Context, id uuid.UUID, number *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if number != nil {
		n := *number
		number = &n
	}
	s.CurrentToken = number
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m memorySessions) ListByDoctorRange(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.DoctorID == doctorID && !s.Date.Before(from) && s.Date.Before(to) {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m memorySessions) CloseBefore(_ context.Context, date time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for id, s := range m.sessions {
		if s.Date.Before(date) && s.Status != SessionClosed {
			s.Status = SessionClosed
			s.UpdatedAt = now
			m.sessions[id] = s
			n++
		}
	}
	return n, nil
}

type memoryTokens struct{ *MemoryStore }

func (m memoryTokens) Insert(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := t.Scope()
	for _, other := range m.tokens {
		if !scope.matches(&other) {
			continue
		}
		if other.TokenNumber == t.TokenNumber {
			return ErrConflict
		}
		if t.Status == TokenCurrent && other.Status == TokenCurrent {
			return ErrConflict
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	m.tokens[t.ID] = *t
	return nil
}

func (m memoryTokens) GetByID(_ context.Context, doctorID, id uuid.UUID) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok || t.DoctorID != doctorID {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m memoryTokens) GetPublic(_ context.Context, id uuid.UUID) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m memoryTokens) Update(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tokens[t.ID]
	if !ok || existing.DoctorID != t.DoctorID {
		return ErrNotFound
	}
	if t.Status == TokenCurrent {
		scope := t.Scope()
		for id, other := range m.tokens {
			if id != t.ID && other.Status == TokenCurrent && scope.matches(&other) {
				return ErrConflict
			}
		}
	}
	t.UpdatedAt = time.Now().UTC()
	m.tokens[t.ID] = *t
	return nil
}

// NextNumber is max+1. Unlike the counter table it reserves nothing, which
// keeps numbering gap-free when a booking fails after allocation.
func (m memoryTokens) NextNumber(_ context.Context, doctorID, chamberID uuid.UUID, date time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scope := Scope{DoctorID: doctorID, ChamberID: chamberID, Date: date}
	highest := 0
	for _, t := range m.tokens {
		if scope.matches(&t) && t.TokenNumber > highest {
			highest = t.TokenNumber
		}
	}
	return highest + 1, nil
}

func (m memoryTokens) CountActiveInSession(_ context.Context, sessionID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tokens {
		if t.SessionID != nil && *t.SessionID == sessionID && t.Active() {
			n++
		}
	}
	return n, nil
}

func (m memoryTokens) CountActiveBySessions(_ context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[uuid.UUID]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		wanted[id] = true
	}
	counts := make(map[uuid.UUID]int, len(sessionIDs))
	for _, t := range m.tokens {
		if t.SessionID != nil && wanted[*t.SessionID] && t.Active() {
			counts[*t.SessionID]++
		}
	}
	return counts, nil
}

func (m memoryTokens) CountAhead(_ context.Context, scope Scope, number int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tokens {
		if scope.matches(&t) && t.Active() && t.TokenNumber < number {
			n++
		}
	}
	return n, nil
}

func (m memoryTokens) Current(_ context.Context, scope Scope) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if scope.matches(&t) && t.Status == TokenCurrent {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

// callable reports whether tokens of the session may be called. Session-less
// tokens always may.
func (m memoryTokens) callable(sessionID *uuid.UUID) bool {
	if sessionID == nil {
		return true
	}
	s, ok := m.sessions[*sessionID]
	return ok && (s.Status == SessionOpen || s.Status == SessionRunning)
}

func (m memoryTokens) NextWaiting(_ context.Context, scope Scope) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var next *Token
	for _, t := range m.tokens {
		if scope.matchesSession(&t) && t.Status == TokenWaiting && m.callable(t.SessionID) {
			if next == nil || t.TokenNumber < next.TokenNumber {
				t := t
				next = &t
			}
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	return next, nil
}

func (m memoryTokens) List(_ context.Context, scope Scope) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Token
	for _, t := range m.tokens {
		if scope.matchesSession(&t) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}
