package clinic

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/db"
)

type Service struct {
	tx        db.TxRunner
	chambers  ChamberRepository
	templates TemplateRepository
	logger    zerolog.Logger
}

func NewService(tx db.TxRunner, chambers ChamberRepository, templates TemplateRepository, logger zerolog.Logger) *Service {
	return &Service{tx: tx, chambers: chambers, templates: templates, logger: logger}
}

// -- Chamber --

// CreateChamber stores a chamber. A doctor's first chamber becomes primary;
// a new primary chamber demotes the previous one.
func (s *Service) CreateChamber(ctx context.Context, c *Chamber) error {
	if c.DoctorID == uuid.Nil {
		return invalid("doctor_id", "is required")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.chambers.ListByDoctor(ctx, c.DoctorID)
		if err != nil {
			return fmt.Errorf("list chambers: %w", err)
		}
		if len(existing) == 0 {
			c.IsPrimary = true
		}
		if c.IsPrimary {
			if err := s.chambers.ClearPrimary(ctx, c.DoctorID, uuid.Nil); err != nil {
				return fmt.Errorf("clear primary: %w", err)
			}
		}
		if err := s.chambers.Create(ctx, c); err != nil {
			return fmt.Errorf("create chamber: %w", err)
		}
		s.logger.Info().Str("doctor_id", c.DoctorID.String()).Str("chamber_id", c.ID.String()).Msg("chamber created")
		return nil
	})
}

func (s *Service) GetChamber(ctx context.Context, doctorID, id uuid.UUID) (*Chamber, error) {
	return s.chambers.GetByID(ctx, doctorID, id)
}

func (s *Service) ListChambers(ctx context.Context, doctorID uuid.UUID) ([]*Chamber, error) {
	return s.chambers.ListByDoctor(ctx, doctorID)
}

func (s *Service) UpdateChamber(ctx context.Context, c *Chamber) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.chambers.GetByID(ctx, c.DoctorID, c.ID)
		if err != nil {
			return err
		}
		// Primary can be moved to another chamber but not dropped outright.
		if existing.IsPrimary && !c.IsPrimary {
			c.IsPrimary = true
		}
		if c.IsPrimary && !existing.IsPrimary {
			if err := s.chambers.ClearPrimary(ctx, c.DoctorID, c.ID); err != nil {
				return fmt.Errorf("clear primary: %w", err)
			}
		}
		return s.chambers.Update(ctx, c)
	})
}

func (s *Service) DeleteChamber(ctx context.Context, doctorID, id uuid.UUID) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.chambers.GetByID(ctx, doctorID, id)
		if err != nil {
			return err
		}
		if err := s.chambers.Delete(ctx, doctorID, id); err != nil {
			return err
		}
		if !c.IsPrimary {
			return nil
		}
		rest, err := s.chambers.ListByDoctor(ctx, doctorID)
		if err != nil || len(rest) == 0 {
			return err
		}
		rest[0].IsPrimary = true
		return s.chambers.Update(ctx, rest[0])
	})
}

// -- Template --

func (s *Service) ListTemplates(ctx context.Context, doctorID, chamberID uuid.UUID) ([]*Template, error) {
	if _, err := s.chambers.GetByID(ctx, doctorID, chamberID); err != nil {
		return nil, err
	}
	return s.templates.ListByChamber(ctx, chamberID)
}

// ReplaceTemplates validates ts and makes it the chamber's whole weekly template.
// Existing sessions keep their own snapshot of times and capacity.
func (s *Service) ReplaceTemplates(ctx context.Context, doctorID, chamberID uuid.UUID, ts []*Template) ([]*Template, error) {
	for i, t := range ts {
		if err := t.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("templates[%d].%s", i, ve.Field)
			}
			return nil, err
		}
	}
	if err := checkOverlap(ts); err != nil {
		return nil, err
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.chambers.GetByID(ctx, doctorID, chamberID); err != nil {
			return err
		}
		return s.templates.ReplaceForChamber(ctx, chamberID, ts)
	})
	if err != nil {
		return nil, err
	}
	sortTemplates(ts)
	s.logger.Info().Str("chamber_id", chamberID.String()).Int("templates", len(ts)).Msg("templates replaced")
	return ts, nil
}

// Schedules returns each of the doctor's chambers with its active templates.
func (s *Service) Schedules(ctx context.Context, doctorID uuid.UUID) ([]ChamberSchedule, error) {
	chambers, err := s.chambers.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list chambers: %w", err)
	}
	templates, err := s.templates.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	byChamber := make(map[uuid.UUID][]*Template, len(chambers))
	for _, t := range templates {
		if t.Active {
			byChamber[t.ChamberID] = append(byChamber[t.ChamberID], t)
		}
	}
	out := make([]ChamberSchedule, 0, len(chambers))
	for _, c := range chambers {
		ts := byChamber[c.ID]
		sortTemplates(ts)
		out = append(out, ChamberSchedule{Chamber: c, Templates: ts})
	}
	return out, nil
}
