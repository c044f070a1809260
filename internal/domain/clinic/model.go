package clinic

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInUse    = errors.New("chamber has sessions or tokens")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Chamber is a doctor's physical practice location.
type Chamber struct {
	ID               uuid.UUID `json:"id"`
	DoctorID         uuid.UUID `json:"doctor_id"`
	Name             string    `json:"name"`
	Address          string    `json:"address"`
	FeeNewPatient    float64   `json:"fee_new_patient"`
	FeeReturnPatient float64   `json:"fee_return_patient"`
	IsPrimary        bool      `json:"is_primary"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (c *Chamber) Validate() error {
	if c.Name == "" {
		return invalid("name", "is required")
	}
	if c.FeeNewPatient < 0 {
		return invalid("fee_new_patient", "must not be negative")
	}
	if c.FeeReturnPatient < 0 {
		return invalid("fee_return_patient", "must not be negative")
	}
	return nil
}

// Template is a weekly recurring window in which a chamber takes patients.
// DayOfWeek follows time.Weekday (0 = Sunday).
type Template struct {
	ID                  uuid.UUID `json:"id"`
	ChamberID           uuid.UUID `json:"chamber_id"`
	DayOfWeek           int       `json:"day_of_week"`
	StartTime           string    `json:"start_time"`
	EndTime             string    `json:"end_time"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
	MaxPatients         *int      `json:"max_patients,omitempty"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != 5 {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Window returns start and end as minutes after midnight.
func (t *Template) Window() (int, int, error) {
	start, err := ParseClock(t.StartTime)
	if err != nil {
		return 0, 0, invalid("start_time", "%v", err)
	}
	end, err := ParseClock(t.EndTime)
	if err != nil {
		return 0, 0, invalid("end_time", "%v", err)
	}
	return start, end, nil
}

func (t *Template) Validate() error {
	if t.DayOfWeek < 0 || t.DayOfWeek > 6 {
		return invalid("day_of_week", "must be between 0 and 6, got %d", t.DayOfWeek)
	}
	start, end, err := t.Window()
	if err != nil {
		return err
	}
	if start >= end {
		return invalid("end_time", "must be after start_time")
	}
	if t.SlotDurationMinutes <= 0 {
		return invalid("slot_duration_minutes", "must be positive")
	}
	if t.SlotDurationMinutes > end-start {
		return invalid("slot_duration_minutes", "exceeds the %d minute window", end-start)
	}
	if t.MaxPatients != nil && *t.MaxPatients <= 0 {
		return invalid("max_patients", "must be positive")
	}
	return nil
}

// Capacity returns the template's patient cap or fallback when unset.
func (t *Template) Capacity(fallback int) int {
	if t.MaxPatients != nil {
		return *t.MaxPatients
	}
	return fallback
}

// ChamberSchedule is a chamber with its active templates ordered by day and start.
type ChamberSchedule struct {
	Chamber   *Chamber
	Templates []*Template
}

// TemplatesOn returns the templates that apply on weekday wd.
func (s ChamberSchedule) TemplatesOn(wd time.Weekday) []*Template {
	var out []*Template
	for _, t := range s.Templates {
		if t.Active && t.DayOfWeek == int(wd) {
			out = append(out, t)
		}
	}
	return out
}

func sortTemplates(ts []*Template) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].DayOfWeek != ts[j].DayOfWeek {
			return ts[i].DayOfWeek < ts[j].DayOfWeek
		}
		return ts[i].StartTime < ts[j].StartTime
	})
}

// checkOverlap rejects two templates on the same day whose windows intersect.
func checkOverlap(ts []*Template) error {
	sorted := append([]*Template(nil), ts...)
	sortTemplates(sorted)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.DayOfWeek != cur.DayOfWeek {
			continue
		}
		if cur.StartTime < prev.EndTime {
			return invalid("templates", "%s-%s overlaps %s-%s on day %d",
				cur.StartTime, cur.EndTime, prev.StartTime, prev.EndTime, cur.DayOfWeek)
		}
	}
	return nil
}
