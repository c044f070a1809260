package queue

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the staff API. Doctors and assistants run the queue.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAssistant))
	staff.GET("/slots", h.ListSlots)
	staff.GET("/availability", h.GetAvailability)
	staff.POST("/bookings", h.CreateBooking)

	staff.GET("/sessions", h.ListSessions)
	staff.POST("/sessions", h.OpenSession)
	staff.GET("/sessions/:id", h.GetSession)
	staff.POST("/sessions/:id/start", h.StartSession)
	staff.POST("/sessions/:id/pause", h.PauseSession)
	staff.POST("/sessions/:id/resume", h.ResumeSession)
	staff.POST("/sessions/:id/close", h.CloseSession)

	staff.GET("/queue", h.GetBoard)
	staff.POST("/queue/call-next", h.CallNext)
	staff.POST("/queue/complete-current", h.CompleteCurrent)

	staff.GET("/tokens/:id", h.GetToken)
	staff.POST("/tokens/:id/cancel", h.CancelToken)
	staff.POST("/tokens/:id/prescription", h.MarkPrescription)
	staff.POST("/tokens/:id/payment", h.MarkPayment)
}

// RegisterPublicRoutes mounts the patient-facing booking surface. The doctor
// comes from the path instead of a credential.
func (h *Handler) RegisterPublicRoutes(pub *echo.Group) {
	pub.GET("/doctors/:doctor_id/availability", h.PublicAvailability)
	pub.POST("/doctors/:doctor_id/bookings", h.PublicBooking)
	pub.GET("/tokens/:id", h.PublicTokenStatus)
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPersistence):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable, try again")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+field)
	}
	return id, nil
}

func parseOptionalUUID(raw, field string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseUUID(raw, field)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// parseDate reads a YYYY-MM-DD value, defaulting to fallback when empty.
func parseDate(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return d, nil
}

// horizon reads ?days=, capped at limit.
func horizon(c echo.Context, limit int) int {
	days, err := strconv.Atoi(c.QueryParam("days"))
	if err != nil || days <= 0 || days > limit {
		return limit
	}
	return days
}

// -- Slots & availability --

func (h *Handler) ListSlots(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	from, err := parseDate(c.QueryParam("from"), h.svc.Today())
	if err != nil {
		return err
	}
	slots, err := h.svc.Slots(c.Request().Context(), doctorID, from, horizon(c, h.svc.cfg.InternalHorizon))
	if err != nil {
		return httpError(err)
	}
	if slots == nil {
		slots = []Slot{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": slots})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	return h.availability(c, doctorID, h.svc.cfg.InternalHorizon, false)
}

// availability serves both surfaces. A bounded window never reaches past
// limit days from today, wherever from starts.
func (h *Handler) availability(c echo.Context, doctorID uuid.UUID, limit int, bounded bool) error {
	today := h.svc.Today()
	from, err := parseDate(c.QueryParam("from"), today)
	if err != nil {
		return err
	}
	days := horizon(c, limit)
	if bounded && from.After(today) {
		left := limit - int(from.Sub(today).Hours()/24)
		if left < days {
			days = left
		}
	}
	var items []AvailabilitySlot
	if days > 0 {
		items, err = h.svc.Availability(c.Request().Context(), doctorID, from, days)
	}
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []AvailabilitySlot{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

// -- Bookings --

type bookingRequest struct {
	ChamberID      string  `json:"chamber_id"`
	QueueDate      string  `json:"queue_date"`
	SessionID      string  `json:"session_id"`
	StartTime      string  `json:"start_time"`
	PatientName    string  `json:"patient_name"`
	PatientPhone   string  `json:"patient_phone"`
	PatientAge     *int    `json:"patient_age"`
	PatientGender  *string `json:"patient_gender"`
	VisitingReason *string `json:"visiting_reason"`
}

func (h *Handler) bind(c echo.Context, doctorID uuid.UUID, by BookedBy) (BookingRequest, error) {
	var body bookingRequest
	if err := c.Bind(&body); err != nil {
		return BookingRequest{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	chamberID, err := parseUUID(body.ChamberID, "chamber_id")
	if err != nil {
		return BookingRequest{}, err
	}
	sessionID, err := parseOptionalUUID(body.SessionID, "session_id")
	if err != nil {
		return BookingRequest{}, err
	}
	date, err := parseDate(body.QueueDate, h.svc.Today())
	if err != nil {
		return BookingRequest{}, err
	}
	return BookingRequest{
		DoctorID:       doctorID,
		ChamberID:      chamberID,
		QueueDate:      date,
		SessionID:      sessionID,
		StartTime:      body.StartTime,
		PatientName:    body.PatientName,
		PatientPhone:   body.PatientPhone,
		PatientAge:     body.PatientAge,
		PatientGender:  body.PatientGender,
		VisitingReason: body.VisitingReason,
		BookedBy:       by,
	}, nil
}

func (h *Handler) CreateBooking(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	req, err := h.bind(c, doctorID, BookedInternal)
	if err != nil {
		return err
	}
	b, err := h.svc.Book(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

// -- Sessions --

func (h *Handler) ListSessions(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	from, err := parseDate(c.QueryParam("from"), h.svc.Today())
	if err != nil {
		return err
	}
	to, err := parseDate(c.QueryParam("to"), from.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	items, err := h.svc.ListSessions(c.Request().Context(), doctorID, from, to)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) OpenSession(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	var body struct {
		ChamberID string `json:"chamber_id"`
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	chamberID, err := parseUUID(body.ChamberID, "chamber_id")
	if err != nil {
		return err
	}
	date, err := parseDate(body.Date, h.svc.Today())
	if err != nil {
		return err
	}
	sess, err := h.svc.OpenSession(c.Request().Context(), doctorID, chamberID, date, body.StartTime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c.Param("id"), "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), doctorID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) sessionTransition(c echo.Context, do func(doctorID, id uuid.UUID) (*Session, error)) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := parseUUID(c.Param("id"), "id")
	if err != nil {
		return err
	}
	sess, err := do(doctorID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) StartSession(c echo.Context) error {
	return h.sessionTransition(c, func(doctorID, id uuid.UUID) (*Session, error) {
		return h.svc.StartSession(c.Request().Context(), doctorID, id)
	})
}

func (h *Handler) PauseSession(c echo.Context) error {
	return h.sessionTransition(c, func(doctorID, id uuid.UUID) (*Session, error) {
		return h.svc.PauseSession(c.Request().Context(), doctorID, id)
	})
}

func (h *Handler) ResumeSession(c echo.Context) error {
	return h.sessionTransition(c, func(doctorID, id uuid.UUID) (*Session, error) {
		return h.svc.ResumeSession(c.Request().Context(), doctorID, id)
	})
}

func (h *Handler) CloseSession(c echo.Context) error {
	return h.sessionTransition(c, func(doctorID, id uuid.UUID) (*Session, error) {
		return h.svc.CloseSession(c.Request().Context(), doctorID, id)
	})
}

// -- Queue --

type scopeRequest struct {
	ChamberID      string `json:"chamber_id" query:"chamber_id"`
	Date           string `json:"date" query:"date"`
	SessionID      string `json:"session_id" query:"session_id"`
	SkipIncomplete bool   `json:"skip_incomplete"`
}

func (r scopeRequest) scope(doctorID uuid.UUID) (Scope, error) {
	scope := Scope{DoctorID: doctorID}
	var err error
	if r.ChamberID != "" {
		if scope.ChamberID, err = parseUUID(r.ChamberID, "chamber_id"); err != nil {
			return scope, err
		}
	}
	if scope.SessionID, err = parseOptionalUUID(r.SessionID, "session_id"); err != nil {
		return scope, err
	}
	if scope.Date, err = parseDate(r.Date, time.Time{}); err != nil {
		return scope, err
	}
	return scope, nil
}

func (h *Handler) bindScope(c echo.Context) (scopeRequest, Scope, error) {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return scopeRequest{}, Scope{}, err
	}
	var body scopeRequest
	if err := c.Bind(&body); err != nil {
		return body, Scope{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	scope, err := body.scope(doctorID)
	return body, scope, err
}

func (h *Handler) GetBoard(c echo.Context) error {
	_, scope, err := h.bindScope(c)
	if err != nil {
		return err
	}
	board, err := h.svc.Board(c.Request().Context(), scope)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *Handler) CallNext(c echo.Context) error {
	body, scope, err := h.bindScope(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CallNext(c.Request().Context(), scope, body.SkipIncomplete)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CompleteCurrent(c echo.Context) error {
	_, scope, err := h.bindScope(c)
	if err != nil {
		return err
	}
	t, err := h.svc.CompleteCurrent(c.Request().Context(), scope)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Tokens --

func (h *Handler) tokenPath(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := parseUUID(c.Param("id"), "id")
	return doctorID, id, err
}

func (h *Handler) GetToken(c echo.Context) error {
	doctorID, id, err := h.tokenPath(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetToken(c.Request().Context(), doctorID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CancelToken(c echo.Context) error {
	doctorID, id, err := h.tokenPath(c)
	if err != nil {
		return err
	}
	t, err := h.svc.CancelToken(c.Request().Context(), doctorID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) MarkPrescription(c echo.Context) error {
	doctorID, id, err := h.tokenPath(c)
	if err != nil {
		return err
	}
	var body struct {
		PrescriptionID string `json:"prescription_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.MarkPrescription(c.Request().Context(), doctorID, id, body.PrescriptionID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) MarkPayment(c echo.Context) error {
	doctorID, id, err := h.tokenPath(c)
	if err != nil {
		return err
	}
	var body struct {
		Amount float64 `json:"amount"`
		Method string  `json:"method"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.MarkPayment(c.Request().Context(), doctorID, id, body.Amount, body.Method)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Public --

func (h *Handler) PublicAvailability(c echo.Context) error {
	doctorID, err := parseUUID(c.Param("doctor_id"), "doctor_id")
	if err != nil {
		return err
	}
	return h.availability(c, doctorID, h.svc.cfg.PublicHorizon, true)
}

func (h *Handler) PublicBooking(c echo.Context) error {
	doctorID, err := parseUUID(c.Param("doctor_id"), "doctor_id")
	if err != nil {
		return err
	}
	req, err := h.bind(c, doctorID, BookedPublic)
	if err != nil {
		return err
	}
	b, err := h.svc.Book(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"token_id":      b.Token.ID,
		"token_number":  b.Token.TokenNumber,
		"queue_date":    FormatDate(b.Token.QueueDate),
		"status":        b.Token.Status,
		"waiting_ahead": b.WaitingAhead,
	})
}

func (h *Handler) PublicTokenStatus(c echo.Context) error {
	id, err := parseUUID(c.Param("id"), "id")
	if err != nil {
		return err
	}
	view, err := h.svc.TokenStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}
