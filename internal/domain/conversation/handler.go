package conversation

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/domain/chat"
	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/conversations")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id/status", h.UpdateStatus)
	g.DELETE("/:id", h.Delete)
	g.GET("/:id/messages", h.GetMessages)
	g.POST("/:id/messages", h.SendMessage)

	staff := auth.RequireRole(auth.RoleProvider, auth.RoleStaff, auth.RoleAdmin)
	g.POST("/:id/claim", h.Claim, staff)
	g.POST("/:id/release", h.Release, staff)
	g.POST("/:id/case", h.CreateCase, staff)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// patientParam reads a patient id, defaulting to the caller for patients.
func patientParam(c echo.Context, raw string) (uuid.UUID, error) {
	if raw == "" {
		raw = auth.UserIDFromContext(c.Request().Context())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return id, nil
}

type createRequest struct {
	PatientID string `json:"patient_id"`
	Topic     string `json:"topic"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := patientParam(c, req.PatientID)
	if err != nil {
		return err
	}
	conv, err := h.svc.CreateConversation(c.Request().Context(), patientID, req.Topic)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, conv)
}

func (h *Handler) List(c echo.Context) error {
	patientID, err := patientParam(c, c.QueryParam("patient_id"))
	if err != nil {
		return err
	}
	page, limit, err := pagination.Query(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := chat.ConversationStatus(c.QueryParam("status"))
	items, total, err := h.svc.ListConversations(c.Request().Context(), patientID, page, limit, status)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pagination.New(page, limit)))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	conv, err := h.svc.GetConversation(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Status chat.ConversationStatus `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conv, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteConversation(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetMessages(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	page, limit, err := pagination.Query(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.GetMessages(c.Request().Context(), id, page, limit)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pagination.New(page, limit)))
}

type sendRequest struct {
	Content  string          `json:"content"`
	Role     chat.Role       `json:"role"`
	Metadata json.RawMessage `json:"metadata"`
}

// sendFailure carries the message marked error so the client can offer a retry.
type sendFailure struct {
	Error   string        `json:"error"`
	Message *chat.Message `json:"data"`
}

func (h *Handler) SendMessage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var md chat.Metadata
	if len(req.Metadata) > 0 && string(req.Metadata) != "null" {
		if md, err = chat.ParseMetadata(req.Metadata); err != nil {
			return apperr.ToHTTP(err)
		}
	}

	ctx := c.Request().Context()
	msg, err := h.svc.SendMessage(ctx, SendInput{
		ConversationID: id,
		Content:        req.Content,
		Role:           req.Role,
		SenderID:       auth.UserIDFromContext(ctx),
		Metadata:       md,
	})
	if err != nil {
		if msg == nil {
			return apperr.ToHTTP(err)
		}
		he := apperr.ToHTTP(err)
		return c.JSON(he.Code, sendFailure{Error: fmt.Sprint(he.Message), Message: msg})
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := h.svc.ClaimConversation(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := h.svc.ReleaseConversation(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) CreateCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req CaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.CreateCaseFromConversation(c.Request().Context(), id, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, created)
}
