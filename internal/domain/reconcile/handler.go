package reconcile

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/portal/internal/platform/auth"
	"github.com/clinicops/portal/internal/platform/clock"
)

type Handler struct {
	engine *Engine
	clock  clock.Clock
}

func NewHandler(engine *Engine, clk clock.Clock) *Handler {
	return &Handler{engine: engine, clock: clk}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/appointments", h.PatientView, auth.RequireRole(auth.RoleSecretary, auth.RoleDoctor))
	api.GET("/me/appointments", h.MyView, auth.RequireRole(auth.RolePatient))
	api.GET("/me/dashboard", h.Dashboard, auth.RequireRole(auth.RolePatient))
}

func locale(c echo.Context) string {
	if l := c.QueryParam("lang"); l != "" {
		return l
	}
	return "en"
}

func (h *Handler) PatientView(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return h.view(c, patientID)
}

func (h *Handler) MyView(c echo.Context) error {
	return h.view(c, auth.UserIDFromContext(c.Request().Context()))
}

func (h *Handler) view(c echo.Context, patientID uuid.UUID) error {
	views, err := h.engine.View(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	Localize(views, locale(c))
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) Dashboard(c echo.Context) error {
	s, err := h.engine.Summary(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), h.clock.Now())
	if err != nil {
		return err
	}
	loc := locale(c)
	Localize(s.Recent, loc)
	if s.Next != nil {
		s.Next.StatusLabel = s.Next.Status.Label(loc)
	}
	return c.JSON(http.StatusOK, s)
}
