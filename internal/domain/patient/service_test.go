package patient

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestService() *Service {
	return NewService(NewMemoryRepo(), zerolog.Nop())
}

func TestService_Resolve_CreatesThenReuses(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()
	ctx := context.Background()

	first, err := svc.Resolve(ctx, doctor, ResolveInput{Name: "Karim", Phone: "+880 1711-000000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID == uuid.Nil {
		t.Fatal("expected ID to be assigned")
	}

	// Same phone in another format with another name keeps the first record.
	second, err := svc.Resolve(ctx, doctor, ResolveInput{Name: "Karim Uddin", Phone: "8801711000000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same patient, got %s and %s", first.ID, second.ID)
	}
	if second.Name != "Karim" {
		t.Errorf("expected first write to win, got name %q", second.Name)
	}
}

func TestService_Resolve_TenantIsolation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a, _ := svc.Resolve(ctx, uuid.New(), ResolveInput{Name: "A", Phone: "8801711000000"})
	b, _ := svc.Resolve(ctx, uuid.New(), ResolveInput{Name: "B", Phone: "8801711000000"})
	if a.ID == b.ID {
		t.Error("expected separate patients for separate doctors")
	}
	if _, err := svc.Get(ctx, a.DoctorID, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across doctors, got %v", err)
	}
}

func TestService_Resolve_Concurrent(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()

	const n = 20
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.Resolve(context.Background(), doctor, ResolveInput{Name: "Same", Phone: "01711000000"})
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected one patient, got %s and %s", ids[0], ids[i])
		}
	}
	_, total, _ := svc.List(context.Background(), doctor, 10, 0)
	if total != 1 {
		t.Errorf("expected 1 stored patient, got %d", total)
	}
}

func TestService_Resolve_Validation(t *testing.T) {
	svc := newTestService()
	_, err := svc.Resolve(context.Background(), uuid.Nil, ResolveInput{Name: "x", Phone: "01711000000"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "doctor_id" {
		t.Errorf("expected doctor_id validation error, got %v", err)
	}
	_, err = svc.Resolve(context.Background(), uuid.New(), ResolveInput{Name: "x", Phone: "12"})
	if !errors.As(err, &ve) || ve.Field != "phone" {
		t.Errorf("expected phone validation error, got %v", err)
	}
}

// conflictRepo simulates losing the insert race: the first lookup misses and
// the insert reports a conflict, as Postgres does under ON CONFLICT DO NOTHING.
type conflictRepo struct {
	Repository
	winner  *Patient
	lookups int
}

func (r *conflictRepo) GetByPhone(_ context.Context, _ uuid.UUID, _ string) (*Patient, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, ErrNotFound
	}
	return r.winner, nil
}

func (r *conflictRepo) Create(_ context.Context, _ *Patient) error {
	return ErrConflict
}

func TestService_Resolve_RefetchesOnConflict(t *testing.T) {
	winner := &Patient{ID: uuid.New(), Name: "Winner", Phone: "01711000000"}
	repo := &conflictRepo{winner: winner}
	svc := NewService(repo, zerolog.Nop())

	got, err := svc.Resolve(context.Background(), uuid.New(), ResolveInput{Name: "Loser", Phone: "01711000000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != winner.ID {
		t.Errorf("expected the winning record, got %+v", got)
	}
	if repo.lookups != 2 {
		t.Errorf("expected a re-fetch after conflict, got %d lookups", repo.lookups)
	}
}

func TestService_List_Paginates(t *testing.T) {
	svc := newTestService()
	doctor := uuid.New()
	for _, phone := range []string{"01711000001", "01711000002", "01711000003"} {
		if _, err := svc.Resolve(context.Background(), doctor, ResolveInput{Name: "P" + phone, Phone: phone}); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	items, total, err := svc.List(context.Background(), doctor, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Errorf("expected total 3 with 1 item on page 2, got %d/%d", total, len(items))
	}
	items, _, _ = svc.List(context.Background(), doctor, 2, 10)
	if len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(items))
	}
}
