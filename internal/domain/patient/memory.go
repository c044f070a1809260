package patient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/pkg/pagination"
)

type phoneKey struct {
	doctorID uuid.UUID
	phone    string
}

type memoryRepo struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]Patient
	byPhone map[phoneKey]uuid.UUID
}

// NewMemoryRepo returns a process-local Repository with the same uniqueness
// rule as the patient table.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:    make(map[uuid.UUID]Patient),
		byPhone: make(map[phoneKey]uuid.UUID),
	}
}

func (m *memoryRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := phoneKey{p.DoctorID, p.Phone}
	if _, exists := m.byPhone[key]; exists {
		return ErrConflict
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	m.byID[p.ID] = *p
	m.byPhone[key] = p.ID
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, doctorID, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok || p.DoctorID != doctorID {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memoryRepo) GetByPhone(_ context.Context, doctorID uuid.UUID, phone string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPhone[phoneKey{doctorID, phone}]
	if !ok {
		return nil, ErrNotFound
	}
	p := m.byID[id]
	return &p, nil
}

func (m *memoryRepo) List(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Patient
	for _, p := range m.byID {
		if p.DoctorID == doctorID {
			p := p
			all = append(all, &p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], len(all), nil
}
