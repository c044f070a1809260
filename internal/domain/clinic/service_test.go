package clinic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/db"
)

func newTestService() *Service {
	chambers := NewMemoryChamberRepo()
	return NewService(db.Passthrough{}, chambers, NewMemoryTemplateRepo(chambers), zerolog.Nop())
}

func mustCreateChamber(t *testing.T, svc *Service, doctorID uuid.UUID, name string, primary bool) *Chamber {
	t.Helper()
	c := &Chamber{DoctorID: doctorID, Name: name, IsPrimary: primary}
	if err := svc.CreateChamber(context.Background(), c); err != nil {
		t.Fatalf("create chamber %s: %v", name, err)
	}
	return c
}

func primaryOf(t *testing.T, svc *Service, doctorID uuid.UUID) []string {
	t.Helper()
	items, err := svc.ListChambers(context.Background(), doctorID)
	if err != nil {
		t.Fatalf("list chambers: %v", err)
	}
	var names []string
	for _, c := range items {
		if c.IsPrimary {
			names = append(names, c.Name)
		}
	}
	return names
}

func TestService_CreateChamber_FirstIsPrimary(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()

	first := mustCreateChamber(t, svc, doctor, "Dhanmondi", false)
	if !first.IsPrimary {
		t.Error("expected the first chamber to become primary")
	}
	if first.ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}

	mustCreateChamber(t, svc, doctor, "Uttara", false)
	if got := primaryOf(t, svc, doctor); len(got) != 1 || got[0] != "Dhanmondi" {
		t.Errorf("expected Dhanmondi to stay primary, got %v", got)
	}
}

func TestService_CreateChamber_NewPrimaryDemotesOld(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()

	mustCreateChamber(t, svc, doctor, "Dhanmondi", false)
	mustCreateChamber(t, svc, doctor, "Uttara", true)

	if got := primaryOf(t, svc, doctor); len(got) != 1 || got[0] != "Uttara" {
		t.Errorf("expected only Uttara to be primary, got %v", got)
	}
}

func TestService_CreateChamber_Validation(t *testing.T) {
	svc := newTestService()
	err := svc.CreateChamber(context.Background(), &Chamber{DoctorID: uuid.New()})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	err = svc.CreateChamber(context.Background(), &Chamber{Name: "x"})
	if !errors.As(err, &ve) || ve.Field != "doctor_id" {
		t.Errorf("expected doctor_id validation error, got %v", err)
	}
}

func TestService_GetChamber_ScopedByDoctor(t *testing.T) {
	svc := newTestService()
	c := mustCreateChamber(t, svc, uuid.New(), "Dhanmondi", false)

	if _, err := svc.GetChamber(context.Background(), uuid.New(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another doctor, got %v", err)
	}
	got, err := svc.GetChamber(context.Background(), c.DoctorID, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "Dhanmondi" {
		t.Errorf("expected Dhanmondi, got %s", got.Name)
	}
}

func TestService_UpdateChamber_KeepsPrimary(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()
	a := mustCreateChamber(t, svc, doctor, "A", false)
	b := mustCreateChamber(t, svc, doctor, "B", false)

	// Dropping the flag on the only primary is ignored.
	update := *a
	update.IsPrimary = false
	update.Address = "Road 27"
	if err := svc.UpdateChamber(context.Background(), &update); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := primaryOf(t, svc, doctor); len(got) != 1 || got[0] != "A" {
		t.Errorf("expected A to remain primary, got %v", got)
	}

	move := *b
	move.IsPrimary = true
	if err := svc.UpdateChamber(context.Background(), &move); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := primaryOf(t, svc, doctor); len(got) != 1 || got[0] != "B" {
		t.Errorf("expected B to be primary after the move, got %v", got)
	}
}

func TestService_DeleteChamber_PromotesAnother(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()
	a := mustCreateChamber(t, svc, doctor, "A", false)
	mustCreateChamber(t, svc, doctor, "B", false)

	if err := svc.DeleteChamber(context.Background(), doctor, a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := primaryOf(t, svc, doctor); len(got) != 1 || got[0] != "B" {
		t.Errorf("expected B to be promoted, got %v", got)
	}
	if err := svc.DeleteChamber(context.Background(), doctor, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestService_ReplaceTemplates(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()
	c := mustCreateChamber(t, svc, doctor, "A", false)

	ts := []*Template{
		{DayOfWeek: 1, StartTime: "17:00", EndTime: "20:00", SlotDurationMinutes: 60, Active: true},
		{DayOfWeek: 1, StartTime: "09:00", EndTime: "12:00", SlotDurationMinutes: 60, MaxPatients: intPtr(2), Active: true},
		{DayOfWeek: 2, StartTime: "09:00", EndTime: "10:00", SlotDurationMinutes: 30, Active: false},
	}
	out, err := svc.ReplaceTemplates(context.Background(), doctor, c.ID, ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 || out[0].StartTime != "09:00" {
		t.Errorf("expected templates sorted by day and start, got %+v", out[0])
	}
	for _, tmpl := range out {
		if tmpl.ChamberID != c.ID || tmpl.ID == uuid.Nil {
			t.Errorf("expected stored template bound to chamber, got %+v", tmpl)
		}
	}

	schedules, err := svc.Schedules(context.Background(), doctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schedules) != 1 || len(schedules[0].Templates) != 2 {
		t.Fatalf("expected one chamber with two active templates, got %+v", schedules)
	}

	// A second replace swaps the whole set.
	_, err = svc.ReplaceTemplates(context.Background(), doctor, c.ID, []*Template{
		{DayOfWeek: 5, StartTime: "10:00", EndTime: "11:00", SlotDurationMinutes: 15, Active: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	listed, _ := svc.ListTemplates(context.Background(), doctor, c.ID)
	if len(listed) != 1 || listed[0].DayOfWeek != 5 {
		t.Errorf("expected only the Friday template, got %d", len(listed))
	}
}

func TestService_ReplaceTemplates_Rejects(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()
	c := mustCreateChamber(t, svc, doctor, "A", false)

	_, err := svc.ReplaceTemplates(context.Background(), doctor, c.ID, []*Template{
		{DayOfWeek: 1, StartTime: "09:00", EndTime: "12:00", SlotDurationMinutes: 60},
		{DayOfWeek: 1, StartTime: "13:00", EndTime: "12:00", SlotDurationMinutes: 60},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || !strings.HasPrefix(ve.Field, "templates[1].") {
		t.Errorf("expected indexed validation error, got %v", err)
	}

	_, err = svc.ReplaceTemplates(context.Background(), doctor, c.ID, []*Template{
		{DayOfWeek: 1, StartTime: "09:00", EndTime: "12:00", SlotDurationMinutes: 60},
		{DayOfWeek: 1, StartTime: "11:00", EndTime: "13:00", SlotDurationMinutes: 60},
	})
	if !errors.As(err, &ve) {
		t.Errorf("expected overlap validation error, got %v", err)
	}

	_, err = svc.ReplaceTemplates(context.Background(), uuid.New(), c.ID, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another doctor's chamber, got %v", err)
	}
}
