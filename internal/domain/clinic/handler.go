package clinic

import (
	"errors"
	"net/http"

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

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Staff can read the setup; only the doctor changes it.
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAssistant))
	read.GET("/chambers", h.ListChambers)
	read.GET("/chambers/:id", h.GetChamber)
	read.GET("/chambers/:id/templates", h.ListTemplates)

	write := api.Group("", auth.RequireRole(auth.RoleDoctor))
	write.POST("/chambers", h.CreateChamber)
	write.PUT("/chambers/:id", h.UpdateChamber)
	write.DELETE("/chambers/:id", h.DeleteChamber)
	write.PUT("/chambers/:id/templates", h.ReplaceTemplates)
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "chamber not found")
	case errors.Is(err, ErrInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type chamberRequest struct {
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	FeeNewPatient    float64 `json:"fee_new_patient"`
	FeeReturnPatient float64 `json:"fee_return_patient"`
	IsPrimary        bool    `json:"is_primary"`
}

func (r chamberRequest) toChamber(doctorID uuid.UUID) *Chamber {
	return &Chamber{
		DoctorID:         doctorID,
		Name:             r.Name,
		Address:          r.Address,
		FeeNewPatient:    r.FeeNewPatient,
		FeeReturnPatient: r.FeeReturnPatient,
		IsPrimary:        r.IsPrimary,
	}
}

func (h *Handler) CreateChamber(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	var req chamberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ch := req.toChamber(doctorID)
	if err := h.svc.CreateChamber(c.Request().Context(), ch); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ch)
}

func (h *Handler) GetChamber(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ch, err := h.svc.GetChamber(c.Request().Context(), doctorID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ch)
}

func (h *Handler) ListChambers(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListChambers(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Chamber{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) UpdateChamber(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req chamberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ch := req.toChamber(doctorID)
	ch.ID = id
	if err := h.svc.UpdateChamber(c.Request().Context(), ch); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ch)
}

func (h *Handler) DeleteChamber(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteChamber(c.Request().Context(), doctorID, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ts, err := h.svc.ListTemplates(c.Request().Context(), doctorID, id)
	if err != nil {
		return httpError(err)
	}
	if ts == nil {
		ts = []*Template{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": ts})
}

type templateRequest struct {
	DayOfWeek           int    `json:"day_of_week"`
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time"`
	SlotDurationMinutes int    `json:"slot_duration_minutes"`
	MaxPatients         *int   `json:"max_patients"`
	Active              *bool  `json:"active"`
}

func (h *Handler) ReplaceTemplates(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		Templates []templateRequest `json:"templates"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ts := make([]*Template, 0, len(req.Templates))
	for _, tr := range req.Templates {
		active := true
		if tr.Active != nil {
			active = *tr.Active
		}
		ts = append(ts, &Template{
			DayOfWeek:           tr.DayOfWeek,
			StartTime:           tr.StartTime,
			EndTime:             tr.EndTime,
			SlotDurationMinutes: tr.SlotDurationMinutes,
			MaxPatients:         tr.MaxPatients,
			Active:              active,
		})
	}

	out, err := h.svc.ReplaceTemplates(c.Request().Context(), doctorID, id, ts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out})
}
