package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clinicq/clinicq/internal/domain/clinic"
	"github.com/clinicq/clinicq/internal/domain/patient"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/lock"
	"github.com/clinicq/clinicq/internal/platform/notification"
)

// monday is 08:00 UTC on a Monday.
var monday = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notification.TokenEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt notification.TokenEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) kinds() []notification.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notification.EventKind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	svc      *Service
	clinic   *clinic.Service
	patients *patient.Service
	store    *MemoryStore
	events   *recordingPublisher
	doctor   uuid.UUID
	chamber  *clinic.Chamber
	now      time.Time
}

func intPtr(n int) *int { return &n }

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		events: &recordingPublisher{},
		doctor: uuid.New(),
		now:    monday,
	}

	chambers := clinic.NewMemoryChamberRepo()
	f.clinic = clinic.NewService(db.Passthrough{}, chambers, clinic.NewMemoryTemplateRepo(chambers), zerolog.Nop())
	f.patients = patient.NewService(patient.NewMemoryRepo(), zerolog.Nop())

	f.chamber = &clinic.Chamber{DoctorID: f.doctor, Name: "Dhanmondi", FeeNewPatient: 800, FeeReturnPatient: 500}
	require.NoError(t, f.clinic.CreateChamber(context.Background(), f.chamber))
	_, err := f.clinic.ReplaceTemplates(context.Background(), f.doctor, f.chamber.ID, []*clinic.Template{
		{DayOfWeek: int(time.Monday), StartTime: "10:00", EndTime: "13:00", SlotDurationMinutes: 60, MaxPatients: intPtr(2), Active: true},
		{DayOfWeek: int(time.Monday), StartTime: "17:00", EndTime: "20:00", SlotDurationMinutes: 30, Active: true},
		{DayOfWeek: int(time.Wednesday), StartTime: "09:00", EndTime: "11:00", SlotDurationMinutes: 30, Active: true},
	})
	require.NoError(t, err)

	cfg := Config{
		DefaultCapacity: 30,
		InternalHorizon: 14,
		PublicHorizon:   16,
		MaxRetries:      3,
		Location:        time.UTC,
		Now:             func() time.Time { return f.now },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.svc = NewService(cfg, Deps{
		Tx:       db.Passthrough{},
		Locks:    lock.NewLocal(),
		Catalog:  f.clinic,
		Patients: f.patients,
		Sessions: f.store.Sessions(),
		Tokens:   f.store.Tokens(),
		Events:   f.events,
		Logger:   zerolog.Nop(),
	})
	return f
}

func (f *fixture) today() time.Time { return DateOf(f.now, time.UTC) }

func (f *fixture) request(phone string) BookingRequest {
	return BookingRequest{
		DoctorID:     f.doctor,
		ChamberID:    f.chamber.ID,
		QueueDate:    f.today(),
		StartTime:    "10:00",
		PatientName:  "Patient " + phone,
		PatientPhone: phone,
	}
}

func (f *fixture) book(t *testing.T, phone string) *Booking {
	t.Helper()
	b, err := f.svc.Book(context.Background(), f.request(phone))
	require.NoError(t, err)
	return b
}

// bookEvening books into the uncapped 17:00 session.
func (f *fixture) bookEvening(t *testing.T, phone string) *Booking {
	t.Helper()
	req := f.request(phone)
	req.StartTime = "17:00"
	b, err := f.svc.Book(context.Background(), req)
	require.NoError(t, err)
	return b
}

func (f *fixture) scope() Scope {
	return Scope{DoctorID: f.doctor, ChamberID: f.chamber.ID, Date: f.today()}
}
