package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAssistant))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// ListPatients pages through the doctor's patients. With ?phone= it returns
// the single matching patient instead.
func (h *Handler) ListPatients(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if phone := c.QueryParam("phone"); phone != "" {
		p, err := h.svc.GetByPhone(ctx, doctorID, phone)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, p)
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(ctx, doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetPatient(c echo.Context) error {
	doctorID, err := auth.DoctorScope(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), doctorID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}
