package extraction

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/internal/platform/auth"
	"github.com/clinic/chartmerge/internal/platform/blobstore"
	"github.com/clinic/chartmerge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("/patients/:id/documents", auth.RequirePatientAccess())
	patient.POST("", h.Upload)
	patient.GET("", h.ListDocuments)

	docs := api.Group("/documents", auth.RequireRole(auth.RoleClinician, auth.RoleStaff))
	docs.GET("/:id", h.GetDocument)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidUpload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type uploadRequest struct {
	Format        string       `json:"format"`
	Filename      string       `json:"filename"`
	Content       string       `json:"content"`
	ContentBase64 string       `json:"content_base64"`
	Source        chart.Source `json:"source"`
}

func (h *Handler) Upload(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	content := []byte(req.Content)
	if req.ContentBase64 != "" {
		if content, err = base64.StdEncoding.DecodeString(req.ContentBase64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "content_base64 is not valid base64")
		}
	}

	ctx := c.Request().Context()
	src := req.Source
	switch {
	case !auth.HasRole(ctx, auth.RoleClinician, auth.RoleStaff):
		// Patients can only ever self-report.
		src = chart.SourcePatientSelfReport
	case src == chart.SourceStaffApproved:
		return echo.NewHTTPError(http.StatusBadRequest, "staff_approved is reserved for review resolutions")
	}

	res, err := h.svc.Process(ctx, Upload{
		PatientID: patientID,
		Format:    req.Format,
		Filename:  req.Filename,
		Content:   content,
		Source:    src,
		Actor:     auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	doc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	docs, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(docs, total, pg))
}
