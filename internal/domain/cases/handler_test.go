package cases

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
)

func newRequestContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithPrincipal(req.Context(), "staff-1", []string{auth.RoleStaff}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CreateAndGet(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)

	c, rec := newRequestContext(http.MethodPost, "/cases",
		`{"patient_id":"6f1c2a8e-1d7b-4a3e-9c55-0b8f3f1d2e11","title":"Rash","priority":"high"}`)
	if err := h.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Case
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.CreatedBy != "staff-1" || created.Priority != PriorityHigh {
		t.Errorf("unexpected case %+v", created)
	}

	c, rec = newRequestContext(http.MethodGet, "/cases/"+created.ID.String(), "")
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Errors(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)

	c, _ := newRequestContext(http.MethodPost, "/cases", `{"title":"no patient"}`)
	if err := h.Create(c); err == nil || err.(*echo.HTTPError).Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}

	c, _ = newRequestContext(http.MethodGet, "/cases/nope", "")
	c.SetParamNames("id")
	c.SetParamValues("nope")
	if err := h.Get(c); err == nil || err.(*echo.HTTPError).Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %v", err)
	}

	c, _ = newRequestContext(http.MethodGet, "/cases/6f1c2a8e-1d7b-4a3e-9c55-0b8f3f1d2e11", "")
	c.SetParamNames("id")
	c.SetParamValues("6f1c2a8e-1d7b-4a3e-9c55-0b8f3f1d2e11")
	if err := h.Get(c); err == nil || err.(*echo.HTTPError).Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	c, _ = newRequestContext(http.MethodGet, "/cases?limit=99", "")
	if err := h.List(c); err == nil || err.(*echo.HTTPError).Code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit 99, got %v", err)
	}
}

func TestHandler_StatusAndDelete(t *testing.T) {
	svc, _, events := newTestService()
	h := NewHandler(svc)
	created := createCase(t, svc)
	id := created.ID.String()

	c, rec := newRequestContext(http.MethodPatch, "/cases/"+id+"/status", `{"status":"resolved"}`)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.UpdateStatus(c); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"resolved"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, rec = newRequestContext(http.MethodDelete, "/cases/"+id, "")
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.Delete(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	got := events.names()
	want := []string{"created", "status_changed", "deleted"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, got)
	}
}
