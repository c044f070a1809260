package clinic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryChamberRepo struct {
	mu       sync.RWMutex
	chambers map[uuid.UUID]Chamber
}

// NewMemoryChamberRepo returns a process-local ChamberRepository.
func NewMemoryChamberRepo() ChamberRepository {
	return &memoryChamberRepo{chambers: make(map[uuid.UUID]Chamber)}
}

func (m *memoryChamberRepo) Create(_ context.Context, c *Chamber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	m.chambers[c.ID] = *c
	return nil
}

func (m *memoryChamberRepo) GetByID(_ context.Context, doctorID, id uuid.UUID) (*Chamber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chambers[id]
	if !ok || c.DoctorID != doctorID {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memoryChamberRepo) Update(_ context.Context, c *Chamber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.chambers[c.ID]
	if !ok || existing.DoctorID != c.DoctorID {
		return ErrNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.chambers[c.ID] = *c
	return nil
}

func (m *memoryChamberRepo) Delete(_ context.Context, doctorID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chambers[id]
	if !ok || c.DoctorID != doctorID {
		return ErrNotFound
	}
	delete(m.chambers, id)
	return nil
}

func (m *memoryChamberRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]*Chamber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Chamber
	for _, c := range m.chambers {
		if c.DoctorID == doctorID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memoryChamberRepo) ClearPrimary(_ context.Context, doctorID, keepID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chambers {
		if c.DoctorID == doctorID && id != keepID && c.IsPrimary {
			c.IsPrimary = false
			c.UpdatedAt = time.Now().UTC()
			m.chambers[id] = c
		}
	}
	return nil
}

type memoryTemplateRepo struct {
	mu        sync.RWMutex
	chambers  ChamberRepository
	templates map[uuid.UUID][]Template
}

// NewMemoryTemplateRepo returns a process-local TemplateRepository. The
// chamber repository resolves which chambers belong to a doctor.
func NewMemoryTemplateRepo(chambers ChamberRepository) TemplateRepository {
	return &memoryTemplateRepo{chambers: chambers, templates: make(map[uuid.UUID][]Template)}
}

func (m *memoryTemplateRepo) ListByChamber(_ context.Context, chamberID uuid.UUID) ([]*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Template, 0, len(m.templates[chamberID]))
	for _, t := range m.templates[chamberID] {
		t := t
		out = append(out, &t)
	}
	sortTemplates(out)
	return out, nil
}

func (m *memoryTemplateRepo) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Template, error) {
	chambers, err := m.chambers.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	var out []*Template
	for _, c := range chambers {
		ts, _ := m.ListByChamber(ctx, c.ID)
		out = append(out, ts...)
	}
	return out, nil
}

func (m *memoryTemplateRepo) ReplaceForChamber(_ context.Context, chamberID uuid.UUID, ts []*Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	stored := make([]Template, 0, len(ts))
	for _, t := range ts {
		t.ID = uuid.New()
		t.ChamberID = chamberID
		t.CreatedAt = now
		stored = append(stored, *t)
	}
	m.templates[chamberID] = stored
	return nil
}
