package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicq/clinicq/internal/platform/notification"
)

func TestBook_MondayCapacityScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.book(t, "01711000001")
	second := f.book(t, "01711000002")
	assert.Equal(t, 1, first.Token.TokenNumber)
	assert.Equal(t, 2, second.Token.TokenNumber)
	assert.Equal(t, 0, first.WaitingAhead)
	assert.Equal(t, 1, second.WaitingAhead)
	require.NotNil(t, first.Session)
	assert.Equal(t, 2, first.Session.MaxPatients)
	assert.Equal(t, *first.Token.SessionID, *second.Token.SessionID, "both tokens share the lazily created session")

	_, err := f.svc.Book(ctx, f.request("01711000003"))
	assert.ErrorIs(t, err, ErrSessionFull)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	items, err := f.svc.Availability(ctx, f.doctor, f.today(), 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	morning := items[0]
	assert.Equal(t, "10:00", morning.StartTime)
	assert.Equal(t, 2, morning.Occupied)
	assert.False(t, morning.IsAvailable)
	evening := items[1]
	assert.Nil(t, evening.SessionID, "browsing never creates sessions")
	assert.True(t, evening.IsAvailable)
	assert.Equal(t, 30, evening.MaxPatients)
}

func TestBook_CancelFreesCapacityButKeepsNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.book(t, "01711000001")
	f.book(t, "01711000002")
	_, err := f.svc.CancelToken(ctx, f.doctor, first.Token.ID)
	require.NoError(t, err)

	third := f.book(t, "01711000003")
	assert.Equal(t, 3, third.Token.TokenNumber, "cancelled numbers are never reused")
	assert.Equal(t, 1, third.WaitingAhead)
}

func TestBook_NumbersShareTheChamberDay(t *testing.T) {
	f := newFixture(t)
	morning := f.book(t, "01711000001")
	evening := f.bookEvening(t, "01711000002")
	assert.Equal(t, 1, morning.Token.TokenNumber)
	assert.Equal(t, 2, evening.Token.TokenNumber)
	assert.Equal(t, 1, evening.WaitingAhead, "earlier sessions of the chamber-day are ahead")
	assert.NotEqual(t, *morning.Token.SessionID, *evening.Token.SessionID)
}

func TestBook_WaitingAheadSpansSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "01711000001")
	f.book(t, "01711000002")
	evening := f.bookEvening(t, "01711000003")
	assert.Equal(t, 3, evening.Token.TokenNumber)
	assert.Equal(t, 2, evening.WaitingAhead)

	view, err := f.svc.TokenStatus(ctx, evening.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.WaitingAhead)

	res, err := f.svc.CallNext(ctx, f.scope(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Called.TokenNumber, "a chamber-wide call serves the morning first")

	view, err = f.svc.TokenStatus(ctx, evening.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.WaitingAhead, "the current token still counts as ahead")
}

func TestBook_ConcurrentUniqueAndGapFree(t *testing.T) {
	f := newFixture(t)
	const n = 25

	var wg sync.WaitGroup
	numbers := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.request(fmt.Sprintf("0171100%04d", i))
			req.StartTime = "17:00"
			b, err := f.svc.Book(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			numbers <- b.Token.TokenNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected booking error: %v", err)
	}
	var got []int
	for num := range numbers {
		got = append(got, num)
	}
	sort.Ints(got)
	require.Len(t, got, n)
	for i, num := range got {
		assert.Equal(t, i+1, num)
	}

	sessions, err := f.svc.ListSessions(context.Background(), f.doctor, f.today(), f.today().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, sessions, 1, "concurrent first bookings create one session")
}

func TestBook_ConcurrentNeverOverbooks(t *testing.T) {
	f := newFixture(t)
	const n = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked, full := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Book(context.Background(), f.request(fmt.Sprintf("0181100%04d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case errors.Is(err, ErrSessionFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 2, booked)
	assert.Equal(t, n-2, full)
}

func TestBook_SamePhoneResolvesOnePatient(t *testing.T) {
	f := newFixture(t)
	a := f.bookEvening(t, "+880 1711-000000")
	b := f.bookEvening(t, "8801711000000")
	assert.Equal(t, a.Patient.ID, b.Patient.ID)
	assert.NotEqual(t, a.Token.TokenNumber, b.Token.TokenNumber)
}

func TestBook_SessionLessToken(t *testing.T) {
	f := newFixture(t)
	req := f.request("01711000001")
	req.StartTime = ""
	b, err := f.svc.Book(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, b.Token.SessionID)
	assert.Nil(t, b.Session)
	assert.Equal(t, 1, b.Token.TokenNumber)
}

func TestBook_ExplicitSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenSession(ctx, f.doctor, f.chamber.ID, f.today(), "17:00")
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, sess.Status)

	req := f.request("01711000001")
	req.StartTime = ""
	req.SessionID = &sess.ID
	b, err := f.svc.Book(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, *b.Token.SessionID)

	// Session from another day does not match the requested date.
	req.QueueDate = f.today().AddDate(0, 0, 7)
	_, err = f.svc.Book(ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "session_id", ve.Field)
}

func TestBook_ClosedSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "01711000001")
	_, err := f.svc.CloseSession(ctx, f.doctor, b.Session.ID)
	require.NoError(t, err)

	_, err = f.svc.Book(ctx, f.request("01711000002"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = f.svc.FindSession(ctx, f.chamber.ID, f.today(), "10:00")
	assert.ErrorIs(t, err, ErrNotFound, "closed sessions are not returned by FindSession")
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*BookingRequest)
		field  string
	}{
		"missing chamber": {func(r *BookingRequest) { r.ChamberID = uuid.Nil }, "chamber_id"},
		"past date":       {func(r *BookingRequest) { r.QueueDate = f.today().AddDate(0, 0, -1) }, "queue_date"},
		"bad phone":       {func(r *BookingRequest) { r.PatientPhone = "123" }, "patient_phone"},
		"missing name":    {func(r *BookingRequest) { r.PatientName = " " }, "patient_name"},
		"no template":     {func(r *BookingRequest) { r.StartTime = "11:00" }, "start_time"},
		"bad booked_by":   {func(r *BookingRequest) { r.BookedBy = "kiosk" }, "booked_by"},
		"public too far out": {func(r *BookingRequest) {
			r.BookedBy = BookedPublic
			r.QueueDate = f.today().AddDate(0, 0, 16)
			r.StartTime = ""
		}, "queue_date"},
	}
	for name, tc := range cases {
		req := f.request("01711000001")
		tc.mutate(&req)
		_, err := f.svc.Book(ctx, req)
		var ve *ValidationError
		if assert.ErrorAs(t, err, &ve, name) {
			assert.Equal(t, tc.field, ve.Field, name)
		}
	}

	req := f.request("01711000001")
	req.ChamberID = uuid.New()
	_, err := f.svc.Book(ctx, req)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBook_PublicWithinHorizon(t *testing.T) {
	f := newFixture(t)
	req := f.request("01711000001")
	req.BookedBy = BookedPublic
	req.QueueDate = f.today().AddDate(0, 0, 15)
	req.StartTime = ""
	b, err := f.svc.Book(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, BookedPublic, b.Token.BookedBy)
	assert.Nil(t, b.Token.SessionID, "no templates on that weekday")
}

func TestBook_PublicNeedsSlotOnScheduledDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "01711000001")
	f.book(t, "01711000002")

	req := f.request("01711000003")
	req.BookedBy = BookedPublic
	req.StartTime = ""
	_, err := f.svc.Book(ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "start_time", ve.Field)

	req.BookedBy = BookedInternal
	b, err := f.svc.Book(ctx, req)
	require.NoError(t, err, "staff may still add a walk-in outside any slot")
	assert.Nil(t, b.Token.SessionID)
}

func TestBook_PublishesBookedEvent(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "01711000001")
	f.book(t, "01711000002")

	require.Equal(t, []notification.EventKind{notification.EventTokenBooked, notification.EventTokenBooked}, f.events.kinds())
	evt := f.events.events[1]
	assert.Equal(t, 2, evt.TokenNumber)
	assert.Equal(t, 1, evt.WaitingAhead)
	assert.Equal(t, "Dhanmondi", evt.ChamberName)
	assert.Equal(t, "01711000002", evt.PatientPhone)
	assert.Equal(t, "10:00", evt.StartTime)
	assert.Equal(t, b.Token.DoctorID.String(), evt.DoctorID)
}

func TestBook_PublishFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("redis down")
	b := f.book(t, "01711000001")
	assert.Equal(t, 1, b.Token.TokenNumber)
}

// flakyTokens fails the first insert with a lost race.
type flakyTokens struct {
	TokenRepository
	failures int
	inserts  int
	err      error
}

func (r *flakyTokens) Insert(ctx context.Context, tok *Token) error {
	r.inserts++
	if r.inserts <= r.failures {
		return r.err
	}
	return r.TokenRepository.Insert(ctx, tok)
}

func newFlakyService(t *testing.T, f *fixture, tokens TokenRepository, retries int) *Service {
	t.Helper()
	return NewService(Config{
		DefaultCapacity: 30, PublicHorizon: 16, InternalHorizon: 14, MaxRetries: retries,
		Now: func() time.Time { return f.now },
	}, Deps{
		Catalog:  f.clinic,
		Patients: f.patients,
		Sessions: f.store.Sessions(),
		Tokens:   tokens,
		Logger:   zerolog.Nop(),
	})
}

func TestBook_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	tokens := &flakyTokens{TokenRepository: f.store.Tokens(), failures: 2, err: ErrConflict}
	svc := newFlakyService(t, f, tokens, 3)

	b, err := svc.Book(context.Background(), f.request("01711000001"))
	require.NoError(t, err)
	assert.Equal(t, 3, tokens.inserts)
	assert.Equal(t, 1, b.Token.TokenNumber)
}

func TestBook_RetriesSerializationFailures(t *testing.T) {
	f := newFixture(t)
	tokens := &flakyTokens{TokenRepository: f.store.Tokens(), failures: 1, err: &pgconn.PgError{Code: "40001"}}
	svc := newFlakyService(t, f, tokens, 3)

	_, err := svc.Book(context.Background(), f.request("01711000001"))
	require.NoError(t, err)
	assert.Equal(t, 2, tokens.inserts)
}

func TestBook_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	tokens := &flakyTokens{TokenRepository: f.store.Tokens(), failures: 5, err: ErrConflict}
	svc := newFlakyService(t, f, tokens, 2)

	_, err := svc.Book(context.Background(), f.request("01711000001"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 2, tokens.inserts)
}

func TestBook_StorageFailureIsPersistenceError(t *testing.T) {
	f := newFixture(t)
	tokens := &flakyTokens{TokenRepository: f.store.Tokens(), failures: 1, err: errors.New("connection reset")}
	svc := newFlakyService(t, f, tokens, 3)

	_, err := svc.Book(context.Background(), f.request("01711000001"))
	assert.ErrorIs(t, err, ErrPersistence)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "book token", pe.Op)
	assert.Equal(t, 1, tokens.inserts, "plain storage errors are not retried")
}
