package extraction

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/internal/platform/auth"
)

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTP error %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func uploadContext(e *echo.Echo, patient uuid.UUID, body string, user string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), user, roles, ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	return c, rec
}

func TestHandler_UploadBase64(t *testing.T) {
	env := newTestEnv(t, testOptions())
	h := NewHandler(env.svc)
	e := echo.New()
	patient := uuid.New()

	body, _ := json.Marshal(map[string]string{
		"filename":       "labs.txt",
		"content_base64": base64.StdEncoding.EncodeToString([]byte(labReport)),
	})
	c, rec := uploadContext(e, patient, string(body), "dr-1", auth.RoleClinician)
	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res struct {
		DocumentID string            `json:"documentId"`
		Status     Status            `json:"status"`
		RawContent string            `json:"rawContent"`
		Decisions  []*chart.Decision `json:"decisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != StatusCompleted || res.RawContent != labReport || len(res.Decisions) == 0 {
		t.Errorf("unexpected response %s", rec.Body.String())
	}
	for _, d := range res.Decisions {
		if d.Actor != "dr-1" {
			t.Errorf("expected actor dr-1, got %q", d.Actor)
		}
	}
}

func TestHandler_PatientUploadBecomesReview(t *testing.T) {
	env := newTestEnv(t, testOptions())
	h := NewHandler(env.svc)
	e := echo.New()
	patient := uuid.New()

	body := `{"format":"text","content":"Glucose 110 mg/dL","source":"clinician_document"}`
	c, rec := uploadContext(e, patient, body, "patient-1", auth.RolePatient)
	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Decisions) != 1 || res.Decisions[0].Kind != chart.DecisionConflict {
		t.Fatalf("expected a conflict for a patient upload, got %s", rec.Body.String())
	}
	if res.Decisions[0].Source != chart.SourcePatientSelfReport || res.Decisions[0].ReviewItemID == nil {
		t.Errorf("unexpected decision %+v", res.Decisions[0])
	}
	chartRec, _ := env.engine.GetChart(c.Request().Context(), patient)
	if len(chartRec.Entries) != 0 {
		t.Error("patient upload must not write clinician-owned areas")
	}
}

func TestHandler_UploadErrors(t *testing.T) {
	env := newTestEnv(t, testOptions())
	h := NewHandler(env.svc)
	e := echo.New()
	patient := uuid.New()

	c, _ := uploadContext(e, patient, `{"format":"text","content_base64":"%%%"}`, "dr-1", auth.RoleClinician)
	expectHTTPStatus(t, h.Upload(c), http.StatusBadRequest)

	c, _ = uploadContext(e, patient, `{"format":"text","content":"x","source":"staff_approved"}`, "nurse-1", auth.RoleStaff)
	expectHTTPStatus(t, h.Upload(c), http.StatusBadRequest)

	c, _ = uploadContext(e, patient, `{"format":"text","content":""}`, "dr-1", auth.RoleClinician)
	expectHTTPStatus(t, h.Upload(c), http.StatusBadRequest)

	c, _ = uploadContext(e, patient, `{"format":"text","content":"x"}`, "dr-1", auth.RoleClinician)
	c.SetParamValues("not-a-uuid")
	expectHTTPStatus(t, h.Upload(c), http.StatusBadRequest)
}

func TestHandler_GetAndListDocuments(t *testing.T) {
	env := newTestEnv(t, testOptions())
	h := NewHandler(env.svc)
	e := echo.New()
	patient := uuid.New()

	res, err := env.svc.Process(t.Context(), Upload{PatientID: patient, Format: "text", Content: []byte(labReport)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(res.DocumentID.String())
	if err := h.GetDocument(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var doc Document
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.ID != res.DocumentID || doc.Status != StatusCompleted {
		t.Errorf("unexpected document %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPStatus(t, h.GetDocument(c), http.StatusNotFound)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=10", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(patient.String())
	if err := h.ListDocuments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []Document `json:"data"`
		Total int        `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("unexpected page %s", rec.Body.String())
	}
}
