package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores patients. Every lookup is scoped by doctor.
type Repository interface {
	// Create inserts p. It returns ErrConflict when the doctor already has a
	// patient with the same phone.
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, doctorID, id uuid.UUID) (*Patient, error)
	GetByPhone(ctx context.Context, doctorID uuid.UUID, phone string) (*Patient, error)
	List(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Patient, int, error)
}
