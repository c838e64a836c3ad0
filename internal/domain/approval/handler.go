package approval

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/portal/internal/domain/requests"
	"github.com/clinicops/portal/internal/platform/auth"
)

type Handler struct {
	wf *Workflow
}

func NewHandler(wf *Workflow) *Handler {
	return &Handler{wf: wf}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	secretary := auth.RequireRole(auth.RoleSecretary)
	api.POST("/requests/:id/approve", h.Approve, secretary)
	api.POST("/requests/:id/decline", h.Decline, secretary)
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := requests.ParseID(c)
	if err != nil {
		return err
	}
	var cmd ApproveCommand
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&cmd); err != nil {
		return err
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	cmd.RequestID, cmd.Actor = id, actor.AuditName()

	res, err := h.wf.Approve(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Decline(c echo.Context) error {
	id, err := requests.ParseID(c)
	if err != nil {
		return err
	}
	var cmd DeclineCommand
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cmd); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := c.Validate(&cmd); err != nil {
			return err
		}
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	cmd.RequestID, cmd.Actor = id, actor.AuditName()

	r, err := h.wf.Decline(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}
