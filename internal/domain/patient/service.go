package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Resolve returns the doctor's patient with in's phone, creating one if none
// exists. An existing record is returned unchanged; the first write wins.
// Concurrent callers with the same phone converge on a single record.
func (s *Service) Resolve(ctx context.Context, doctorID uuid.UUID, in ResolveInput) (*Patient, error) {
	if doctorID == uuid.Nil {
		return nil, &ValidationError{Field: "doctor_id", Message: "is required"}
	}
	candidate, err := in.toPatient(doctorID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetByPhone(ctx, doctorID, candidate.Phone)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}

	err = s.repo.Create(ctx, candidate)
	if errors.Is(err, ErrConflict) {
		// Lost the race to a concurrent booking for the same phone.
		return s.repo.GetByPhone(ctx, doctorID, candidate.Phone)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Str("patient_id", candidate.ID.String()).
		Msg("patient created")
	return candidate, nil
}

func (s *Service) Get(ctx context.Context, doctorID, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, doctorID, id)
}

// GetByPhone normalizes phone before the lookup.
func (s *Service) GetByPhone(ctx context.Context, doctorID uuid.UUID, phone string) (*Patient, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByPhone(ctx, doctorID, normalized)
}

func (s *Service) List(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, doctorID, limit, offset)
}
