package ledger

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/auth"
	"github.com/clinicops/portal/pkg/pagination"
)

type Handler struct {
	svc   *Scheduler
	slots Slots
}

func NewHandler(svc *Scheduler) *Handler {
	return &Handler{svc: svc, slots: svc.slots}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.RoleSecretary, auth.RoleDoctor)
	api.POST("/appointments", h.Schedule, auth.RequireRole(auth.RoleSecretary))
	api.GET("/appointments", h.Query, staff)
	api.GET("/appointments/:id", h.Get, staff)
	api.POST("/appointments/:id/complete", h.Complete, auth.RequireRole(auth.RoleDoctor))
	api.POST("/appointments/:id/cancel", h.Cancel, staff)
	api.GET("/doctors/me/appointments", h.Mine, auth.RequireRole(auth.RoleDoctor))
}

func parseUUIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Schedule(c echo.Context) error {
	var cmd ScheduleCommand
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&cmd); err != nil {
		return err
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	cmd.Actor = actor.AuditName()

	a, err := h.svc.Schedule(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseUUIDParam(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) filterFromQuery(c echo.Context) (Filter, error) {
	const op = "ledger.Query"
	var f Filter
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, apperr.Validation(op, "invalid doctor_id")
		}
		f.DoctorID = &id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, apperr.Validation(op, "invalid patient_id")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := status.ParseAppointmentStatus(part)
			if err != nil {
				return f, apperr.Validation(op, "%v", err)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := h.slots.ParseDate(op, v)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := h.slots.ParseDate(op, v)
		if err != nil {
			return f, err
		}
		// to is inclusive of the whole day.
		t = t.AddDate(0, 0, 1)
		f.To = &t
	}
	return f, nil
}

func (h *Handler) Query(c echo.Context) error {
	f, err := h.filterFromQuery(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Query(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) Mine(c echo.Context) error {
	ctx := c.Request().Context()
	doctorID := auth.UserIDFromContext(ctx)

	var items []Appointment
	var err error
	switch r := c.QueryParam("range"); r {
	case "", "today":
		items, err = h.svc.DoctorToday(ctx, doctorID)
	case "upcoming":
		items, err = h.svc.DoctorUpcoming(ctx, doctorID)
	default:
		return apperr.Validation("ledger.Mine", "range must be today or upcoming, got %q", r)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

type transitionBody struct {
	Reason string `json:"reason" validate:"max=2000"`
}

func (h *Handler) transitionCommand(c echo.Context) (TransitionCommand, error) {
	id, err := parseUUIDParam(c)
	if err != nil {
		return TransitionCommand{}, err
	}
	var body transitionBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return TransitionCommand{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := c.Validate(&body); err != nil {
			return TransitionCommand{}, err
		}
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	cmd := TransitionCommand{AppointmentID: id, Reason: body.Reason, Actor: actor.AuditName()}
	// Doctors act on their own appointments only; secretaries on any.
	if !actor.HasRole(auth.RoleSecretary) {
		cmd.DoctorID = actor.UserID
	}
	return cmd, nil
}

func (h *Handler) Complete(c echo.Context) error {
	cmd, err := h.transitionCommand(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Complete(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	cmd, err := h.transitionCommand(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Cancel(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
