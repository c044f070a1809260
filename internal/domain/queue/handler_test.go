package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

func staffContext(e *echo.Echo, method, target, body string, doctorID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), "u1", doctorID, []string{auth.RoleAssistant}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 0
}

func bookingBody(f *fixture, phone string) string {
	return `{"chamber_id":"` + f.chamber.ID.String() + `","queue_date":"2026-10-19","start_time":"10:00",` +
		`"patient_name":"Karim","patient_phone":"` + phone + `"}`
}

func TestHandler_CreateBooking(t *testing.T) {
	h, f, e := newTestHandler(t)

	c, rec := staffContext(e, http.MethodPost, "/bookings", bookingBody(f, "01711000001"), f.doctor)
	if err := h.CreateBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Token.TokenNumber != 1 || got.Token.BookedBy != BookedInternal {
		t.Errorf("unexpected token: %+v", got.Token)
	}
}

func TestHandler_CreateBooking_Full(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.book(t, "01711000001")
	f.book(t, "01711000002")

	c, _ := staffContext(e, http.MethodPost, "/bookings", bookingBody(f, "01711000003"), f.doctor)
	if code := statusOf(h.CreateBooking(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_CreateBooking_BadInput(t *testing.T) {
	h, f, e := newTestHandler(t)

	c, _ := staffContext(e, http.MethodPost, "/bookings", `{"chamber_id":"nope"}`, f.doctor)
	if code := statusOf(h.CreateBooking(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad chamber id, got %d", code)
	}

	c, _ = staffContext(e, http.MethodPost, "/bookings", bookingBody(f, "12"), f.doctor)
	if code := statusOf(h.CreateBooking(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad phone, got %d", code)
	}
}

func TestHandler_CallNext(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.book(t, "01711000001")
	f.book(t, "01711000002")
	body := `{"chamber_id":"` + f.chamber.ID.String() + `","date":"2026-10-19"}`

	c, rec := staffContext(e, http.MethodPost, "/queue/call-next", body, f.doctor)
	if err := h.CallNext(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res CallResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Called == nil || res.Called.TokenNumber != 1 {
		t.Fatalf("expected token 1 to be called, got %+v", res)
	}

	c, rec = staffContext(e, http.MethodPost, "/queue/call-next", body, f.doctor)
	if err := h.CallNext(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"incomplete":true`) {
		t.Errorf("expected incomplete result, got %s", rec.Body.String())
	}
}

func TestHandler_GetBoard(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.book(t, "01711000001")

	c, rec := staffContext(e, http.MethodGet, "/queue?chamber_id="+f.chamber.ID.String(), "", f.doctor)
	if err := h.GetBoard(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var board Board
	json.Unmarshal(rec.Body.Bytes(), &board)
	if len(board.Tokens) != 1 || board.Counts[TokenWaiting] != 1 {
		t.Errorf("unexpected board: %s", rec.Body.String())
	}
}

func TestHandler_SessionTransitions(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.book(t, "01711000001")

	c, rec := staffContext(e, http.MethodPost, "/", "", f.doctor)
	c.SetParamNames("id")
	c.SetParamValues(b.Session.ID.String())
	if err := h.StartSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"running"`) {
		t.Errorf("expected running session, got %s", rec.Body.String())
	}

	c, _ = staffContext(e, http.MethodPost, "/", "", f.doctor)
	c.SetParamNames("id")
	c.SetParamValues(b.Session.ID.String())
	if code := statusOf(h.ResumeSession(c)); code != http.StatusConflict {
		t.Errorf("expected 409 resuming a running session, got %d", code)
	}
}

func TestHandler_TokenActions(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.book(t, "01711000001")

	c, rec := staffContext(e, http.MethodPost, "/", `{"amount":500,"method":"bkash"}`, f.doctor)
	c.SetParamNames("id")
	c.SetParamValues(b.Token.ID.String())
	if err := h.MarkPayment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"payment_collected":true`) {
		t.Errorf("expected payment flag, got %s", rec.Body.String())
	}

	c, _ = staffContext(e, http.MethodPost, "/", `{}`, f.doctor)
	c.SetParamNames("id")
	c.SetParamValues(b.Token.ID.String())
	if code := statusOf(h.MarkPrescription(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without prescription id, got %d", code)
	}

	c, _ = staffContext(e, http.MethodPost, "/", "", uuid.New())
	c.SetParamNames("id")
	c.SetParamValues(b.Token.ID.String())
	if code := statusOf(h.CancelToken(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for another doctor's token, got %d", code)
	}
}

func TestHandler_PublicBookingAndStatus(t *testing.T) {
	h, f, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(bookingBody(f, "01711000001")))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("doctor_id")
	c.SetParamValues(f.doctor.String())
	if err := h.PublicBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var created struct {
		TokenID      uuid.UUID `json:"token_id"`
		TokenNumber  int       `json:"token_number"`
		WaitingAhead int       `json:"waiting_ahead"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.TokenNumber != 1 {
		t.Fatalf("expected token 1, got %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "01711000001") {
		t.Error("public response must not echo patient details")
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(created.TokenID.String())
	if err := h.PublicTokenStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"queue_date":"2026-10-19"`) {
		t.Errorf("unexpected status body: %s", rec.Body.String())
	}
	tok, _ := f.svc.GetToken(req.Context(), f.doctor, created.TokenID)
	if tok == nil || tok.BookedBy != BookedPublic {
		t.Errorf("expected public booking, got %+v", tok)
	}
}

func TestHandler_PublicAvailability_Bounded(t *testing.T) {
	h, f, e := newTestHandler(t)

	// 14 days out leaves two days of the public window: only Monday 2 Nov is beyond it.
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2026-11-02", nil), rec)
	c.SetParamNames("doctor_id")
	c.SetParamValues(f.doctor.String())
	if err := h.PublicAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []AvailabilitySlot `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 2 {
		t.Errorf("expected the two Monday slots on 2 Nov, got %d", len(body.Data))
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2026-11-09", nil), rec)
	c.SetParamNames("doctor_id")
	c.SetParamValues(f.doctor.String())
	if err := h.PublicAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected nothing past the public horizon, got %s", rec.Body.String())
	}
}
