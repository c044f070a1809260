package clinic

import (
	"context"

	"github.com/google/uuid"
)

// ChamberRepository stores chambers. Lookups are scoped by doctor.
type ChamberRepository interface {
	Create(ctx context.Context, c *Chamber) error
	GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Chamber, error)
	Update(ctx context.Context, c *Chamber) error
	Delete(ctx context.Context, doctorID, id uuid.UUID) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Chamber, error)
	// ClearPrimary unsets is_primary on every chamber of the doctor except keepID.
	ClearPrimary(ctx context.Context, doctorID, keepID uuid.UUID) error
}

type TemplateRepository interface {
	ListByChamber(ctx context.Context, chamberID uuid.UUID) ([]*Template, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Template, error)
	// ReplaceForChamber swaps the chamber's template set for ts.
	ReplaceForChamber(ctx context.Context, chamberID uuid.UUID, ts []*Template) error
}
