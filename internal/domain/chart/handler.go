package chart

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/chartmerge/internal/platform/auth"
	"github.com/clinic/chartmerge/pkg/entities"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("/patients/:id", auth.RequirePatientAccess())
	patient.GET("/chart", h.GetChart)
	patient.POST("/chart/patient-edits", h.SubmitPatientEdit)

	// Chart maintenance, clinicians and staff
	care := api.Group("/patients/:id/chart", auth.RequireRole(auth.RoleClinician, auth.RoleStaff))
	care.GET("/history/:area", h.GetHistory)
	care.POST("/entries/:entryID/fill", h.FillField)

	staff := api.Group("/patients/:id/chart", auth.RequireRole(auth.RoleStaff))
	staff.POST("/entries/:entryID/clear", h.ClearField)
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

// httpError maps engine errors to HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrFieldPopulated), errors.Is(err, ErrConcurrentChartWrite):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownField), errors.Is(err, ErrUnknownArea), errors.Is(err, ErrInvalidValue):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetChart(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	rec, err := h.engine.GetChart(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetHistory(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	history, err := h.engine.GetEntityHistory(c.Request().Context(), patientID, entities.Area(c.Param("area")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

type fieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (h *Handler) bindField(c echo.Context) (uuid.UUID, uuid.UUID, fieldRequest, error) {
	var req fieldRequest
	patientID, err := patientParam(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, req, err
	}
	entryID, err := uuid.Parse(c.Param("entryID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, req, echo.NewHTTPError(http.StatusBadRequest, "invalid entry id")
	}
	if err := c.Bind(&req); err != nil {
		return uuid.Nil, uuid.Nil, req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Field == "" {
		return uuid.Nil, uuid.Nil, req, echo.NewHTTPError(http.StatusBadRequest, "field is required")
	}
	return patientID, entryID, req, nil
}

func (h *Handler) FillField(c echo.Context) error {
	patientID, entryID, req, err := h.bindField(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.engine.FillMissingField(ctx, patientID, entryID, req.Field, req.Value, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ClearField(c echo.Context) error {
	patientID, entryID, req, err := h.bindField(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.engine.ClearField(ctx, patientID, entryID, req.Field, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type patientEditRequest struct {
	Area   entities.Area   `json:"area"`
	Entity json.RawMessage `json:"entity"`
}

func (h *Handler) SubmitPatientEdit(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	var req patientEditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.Area.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown clinical area")
	}
	en, err := entities.Decode(req.Area, req.Entity)
	if err != nil || en == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid entity")
	}
	ctx := c.Request().Context()
	d, err := h.engine.SubmitPatientEdit(ctx, patientID, en, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if d.Kind == DecisionConflict || d.ReviewItemID != nil {
		status = http.StatusAccepted
	}
	return c.JSON(status, d)
}
