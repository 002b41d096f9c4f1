package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/domain/chat"
	"github.com/careportal/careportal/internal/platform/auth"
)

func newRequestContext(ctx context.Context, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, id uuid.UUID) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected status %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_CreateDefaultsToCaller(t *testing.T) {
	f := newFixture(t, Config{})
	h := NewHandler(f.svc)
	patient := uuid.New()

	c, rec := newRequestContext(patientCtx(patient), http.MethodPost, "/conversations", `{"topic":"refill"}`)
	if err := h.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var conv chat.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.PatientID != patient || conv.Access.CanAccess != chat.AccessAI {
		t.Errorf("unexpected conversation %+v", conv)
	}
}

func TestHandler_SendMessage(t *testing.T) {
	f := newFixture(t, Config{})
	h := NewHandler(f.svc)
	conv := f.newConversation(t)
	ctx := patientCtx(conv.PatientID)

	c, rec := newRequestContext(ctx, http.MethodPost, "/conversations/x/messages",
		`{"content":"hi","metadata":{"type":"standard","status":"sending"}}`)
	if err := h.SendMessage(withID(c, conv.ID)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var msg chat.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Status() != chat.StatusSent || msg.SenderID != conv.PatientID.String() {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestHandler_SendMessageRejectsForeignMetadataFields(t *testing.T) {
	f := newFixture(t, Config{})
	h := NewHandler(f.svc)
	conv := f.newConversation(t)

	c, _ := newRequestContext(patientCtx(conv.PatientID), http.MethodPost, "/",
		`{"content":"hi","metadata":{"type":"standard","status":"sending","providerId":"P1"}}`)
	expectHTTPError(t, h.SendMessage(withID(c, conv.ID)), http.StatusBadRequest)
	if len(f.msgs.all(conv.ID)) != 0 {
		t.Error("rejected metadata must not be stored")
	}
}

func TestHandler_SendMessageFailureReturnsErroredMessage(t *testing.T) {
	f := newFixture(t, Config{})
	h := NewHandler(f.svc)
	conv := f.newConversation(t)
	f.msgs.createErr = errors.New("disk full")

	c, rec := newRequestContext(patientCtx(conv.PatientID), http.MethodPost, "/", `{"content":"hi"}`)
	if err := h.SendMessage(withID(c, conv.ID)); err != nil {
		t.Fatalf("expected a JSON failure body, got %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	var body struct {
		Error string       `json:"error"`
		Data  chat.Message `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Status() != chat.StatusError || body.Data.Error == "" {
		t.Errorf("expected the message marked error, got %+v", body.Data)
	}
	if strings.Contains(body.Error, "disk full") {
		t.Error("internal causes must not leak in the error field")
	}
}

func TestHandler_GetMessagesPaging(t *testing.T) {
	f := newFixture(t, Config{})
	h := NewHandler(f.svc)
	conv := f.newConversation(t)
	ctx := patientCtx(conv.PatientID)
	for i := 0; i < 25; i++ {
		if _, err := f.svc.SendMessage(ctx, SendInput{ConversationID: conv.ID, Content: "m"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	c, rec := newRequestContext(ctx, http.MethodGet, "/?page=2&limit=20", "")
	if err := h.GetMessages(withID(c, conv.ID)); err != nil {
		t.Fatalf("get messages: %v", err)
	}
	var resp struct {
		Data    []json.RawMessage `json:"data"`
		Total   int               `json:"total"`
		Page    int               `json:"page"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 5 || resp.Total != 25 || resp.Page != 2 || resp.HasMore {
		t.Errorf("unexpected page %+v", resp)
	}

	c, _ = newRequestContext(ctx, http.MethodGet, "/?limit=0", "")
	expectHTTPError(t, h.GetMessages(withID(c, conv.ID)), http.StatusBadRequest)
	c, _ = newRequestContext(ctx, http.MethodGet, "/?page=abc", "")
	expectHTTPError(t, h.GetMessages(withID(c, conv.ID)), http.StatusBadRequest)
}

func TestHandler_InvalidIDAndForbidden(t *testing.T) {
	f := newFixture(t, Config{})
	h := NewHandler(f.svc)
	conv := f.newConversation(t)

	c, _ := newRequestContext(patientCtx(conv.PatientID), http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.Get(c), http.StatusBadRequest)

	c, _ = newRequestContext(patientCtx(uuid.New()), http.MethodDelete, "/", "")
	expectHTTPError(t, h.Delete(withID(c, conv.ID)), http.StatusForbidden)

	c, _ = newRequestContext(patientCtx(conv.PatientID), http.MethodGet, "/", "")
	expectHTTPError(t, h.Get(withID(c, uuid.New())), http.StatusNotFound)
}

func TestHandler_ClaimRouteRequiresStaff(t *testing.T) {
	f := newFixture(t, Config{})
	conv := f.newConversation(t)
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(f.svc).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/claim", nil)
	req.Header.Set(auth.DevUserHeader, conv.PatientID.String())
	req.Header.Set(auth.DevRolesHeader, auth.RolePatient)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a patient claim, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/claim", nil)
	req.Header.Set(auth.DevUserHeader, "P1")
	req.Header.Set(auth.DevRolesHeader, auth.RoleProvider)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a provider claim, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.convs.get(conv.ID); got.Access.ProviderID != "P1" || got.Access.State() != chat.StateProviderOnly {
		t.Errorf("expected P1 to hold the conversation, got %+v", got.Access)
	}
}
