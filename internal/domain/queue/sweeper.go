package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper closes sessions left open on earlier days. Their tokens are not
// touched.
type Sweeper struct {
	sessions SessionRepository
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

func NewSweeper(sessions SessionRepository, loc *time.Location, logger zerolog.Logger) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	return &Sweeper{sessions: sessions, location: loc, now: time.Now, logger: logger}
}

// Run closes every non-closed session dated before today.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	today := DateOf(s.now(), s.location)
	n, err := s.sessions.CloseBefore(ctx, today)
	if err != nil {
		return 0, classify("close stale sessions", err)
	}
	s.logger.Info().Int64("closed", n).Str("before", FormatDate(today)).Msg("stale sessions closed")
	return n, nil
}

// Schedule registers Run on c with a standard five-field cron spec.
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("session sweep failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule session sweep %q: %w", spec, err)
	}
	return id, nil
}
