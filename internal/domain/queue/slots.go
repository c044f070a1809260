package queue

import (
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/domain/clinic"
)

// Slot is a bookable window on a concrete date, derived from a template.
// It is not a session; nothing is stored until someone books it.
type Slot struct {
	Date                time.Time `json:"date"`
	ChamberID           uuid.UUID `json:"chamber_id"`
	ChamberName         string    `json:"chamber_name"`
	TemplateID          uuid.UUID `json:"template_id"`
	StartTime           string    `json:"start_time"`
	EndTime             string    `json:"end_time"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
	FeeNewPatient       float64   `json:"fee_new_patient"`
	FeeReturnPatient    float64   `json:"fee_return_patient"`
	Capacity            int       `json:"capacity"`
}

// Expander projects weekly templates onto a run of calendar days.
type Expander struct {
	// Horizon is the number of days to expand, starting at the from date.
	Horizon int
	// FilterElapsed drops today's slots whose end time has already passed.
	FilterElapsed   bool
	DefaultCapacity int
	Now             func() time.Time
	Location        *time.Location
}

func (e Expander) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Expand yields one slot per active template per matching day in
// [from, from+Horizon), skipping days before today. The sequence is computed
// on each iteration, so it can be ranged over more than once.
func (e Expander) Expand(schedules []clinic.ChamberSchedule, from time.Time) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		now := e.now()
		today := DateOf(now, e.Location)
		nowMinute := minuteOfDay(now, e.Location)
		start := DateOf(from, time.UTC)

		for offset := 0; offset < e.Horizon; offset++ {
			day := start.AddDate(0, 0, offset)
			if day.Before(today) {
				continue
			}
			for _, sched := range schedules {
				for _, t := range sched.TemplatesOn(day.Weekday()) {
					if e.FilterElapsed && day.Equal(today) {
						if end, err := clinic.ParseClock(t.EndTime); err == nil && end <= nowMinute {
							continue
						}
					}
					slot := Slot{
						Date:                day,
						ChamberID:           sched.Chamber.ID,
						ChamberName:         sched.Chamber.Name,
						TemplateID:          t.ID,
						StartTime:           t.StartTime,
						EndTime:             t.EndTime,
						SlotDurationMinutes: t.SlotDurationMinutes,
						FeeNewPatient:       sched.Chamber.FeeNewPatient,
						FeeReturnPatient:    sched.Chamber.FeeReturnPatient,
						Capacity:            t.Capacity(e.DefaultCapacity),
					}
					if !yield(slot) {
						return
					}
				}
			}
		}
	}
}
