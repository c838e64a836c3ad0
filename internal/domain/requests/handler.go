package requests

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/auth"
	"github.com/clinicops/portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/requests", h.Submit, auth.RequireRole(auth.RolePatient))
	api.GET("/requests", h.List, auth.RequireRole(auth.RoleSecretary, auth.RoleDoctor))
	api.GET("/requests/stats", h.Stats, auth.RequireRole(auth.RoleSecretary))
	api.GET("/requests/:id", h.Get, auth.RequireRole(auth.RoleSecretary, auth.RoleDoctor, auth.RolePatient))
	api.GET("/me/requests", h.ListMine, auth.RequireRole(auth.RolePatient))
}

// ParseID reads the :id path parameter as a request id.
func ParseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid request id")
	}
	return id, nil
}

func (h *Handler) Submit(c echo.Context) error {
	var cmd SubmitCommand
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&cmd); err != nil {
		return err
	}
	cmd.PatientID = auth.UserIDFromContext(c.Request().Context())

	r, err := h.svc.Submit(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) List(c echo.Context) error {
	var filter status.RequestStatus
	if q := c.QueryParam("status"); q != "" {
		st, err := status.ParseRequestStatus(q)
		if err != nil {
			return apperr.Validation("requests.List", "%v", err)
		}
		filter = st
	}
	items, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) ListMine(c echo.Context) error {
	items, err := h.svc.ListByPatient(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := ParseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	if !actor.HasRole(auth.RoleSecretary) && !actor.HasRole(auth.RoleDoctor) && r.PatientID != actor.UserID {
		// Other patients' requests are reported as missing.
		return apperr.NotFound("requests.Get", "request", id)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
