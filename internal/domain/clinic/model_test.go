package clinic

import (
	"errors"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{"9:30", 0, true},
		{"24:00", 0, true},
		{"10:60", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestChamber_Validate(t *testing.T) {
	c := &Chamber{Name: "Green Road"}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c = &Chamber{}
	var ve *ValidationError
	if err := c.Validate(); !errors.As(err, &ve) || ve.Field != "name" {
		t.Errorf("expected name validation error, got %v", err)
	}

	c = &Chamber{Name: "x", FeeNewPatient: -1}
	if err := c.Validate(); err == nil {
		t.Error("expected error for negative fee")
	}
}

func TestTemplate_Validate(t *testing.T) {
	valid := func() *Template {
		return &Template{DayOfWeek: 1, StartTime: "09:00", EndTime: "12:00", SlotDurationMinutes: 60, Active: true}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func(*Template){
		"day out of range": func(t *Template) { t.DayOfWeek = 7 },
		"bad start":        func(t *Template) { t.StartTime = "9am" },
		"end before start": func(t *Template) { t.EndTime = "08:00" },
		"zero duration":    func(t *Template) { t.SlotDurationMinutes = 0 },
		"duration too big": func(t *Template) { t.SlotDurationMinutes = 240 },
		"zero capacity":    func(t *Template) { t.MaxPatients = intPtr(0) },
	}
	for name, mutate := range cases {
		tmpl := valid()
		mutate(tmpl)
		if err := tmpl.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestTemplate_Capacity(t *testing.T) {
	tmpl := &Template{}
	if got := tmpl.Capacity(30); got != 30 {
		t.Errorf("expected fallback 30, got %d", got)
	}
	tmpl.MaxPatients = intPtr(2)
	if got := tmpl.Capacity(30); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestChamberSchedule_TemplatesOn(t *testing.T) {
	s := ChamberSchedule{Templates: []*Template{
		{DayOfWeek: 1, StartTime: "09:00", Active: true},
		{DayOfWeek: 1, StartTime: "17:00", Active: false},
		{DayOfWeek: 2, StartTime: "09:00", Active: true},
	}}
	got := s.TemplatesOn(time.Monday)
	if len(got) != 1 || got[0].StartTime != "09:00" {
		t.Errorf("expected one active Monday template, got %d", len(got))
	}
	if len(s.TemplatesOn(time.Sunday)) != 0 {
		t.Error("expected no Sunday templates")
	}
}

func TestCheckOverlap(t *testing.T) {
	ok := []*Template{
		{DayOfWeek: 1, StartTime: "09:00", EndTime: "12:00"},
		{DayOfWeek: 1, StartTime: "12:00", EndTime: "14:00"},
		{DayOfWeek: 2, StartTime: "10:00", EndTime: "11:00"},
	}
	if err := checkOverlap(ok); err != nil {
		t.Errorf("adjacent windows should not overlap: %v", err)
	}

	bad := []*Template{
		{DayOfWeek: 3, StartTime: "17:00", EndTime: "20:00"},
		{DayOfWeek: 3, StartTime: "16:00", EndTime: "18:00"},
	}
	if err := checkOverlap(bad); err == nil {
		t.Error("expected overlap error")
	}
}
