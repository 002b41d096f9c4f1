package webhook

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/pagination"
)

// Handler exposes subscription management over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the webhook routes under api/webhooks for staff and admins.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole(auth.RoleStaff, auth.RoleAdmin))
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/test", h.Test)
	g.GET("/:id/deliveries", h.Deliveries)
}

type createRequest struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
}

// createdResponse is the only representation that carries the secret.
type createdResponse struct {
	*Subscription
	Secret string `json:"secret"`
}

type updateRequest struct {
	URL         *string  `json:"url"`
	Description *string  `json:"description"`
	Events      []string `json:"events"`
	IsActive    *bool    `json:"is_active"`
}

type testResponse struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.manager.Register(c.Request().Context(), RegisterInput{
		URL:         req.URL,
		Secret:      req.Secret,
		Description: req.Description,
		Events:      req.Events,
		CreatedBy:   auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, createdResponse{Subscription: sub, Secret: sub.Secret})
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.manager.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	sub, err := h.manager.Update(ctx, id, auth.UserIDFromContext(ctx), UpdateInput{
		URL:         req.URL,
		Description: req.Description,
		Events:      req.Events,
		IsActive:    req.IsActive,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Delete(ctx, id, auth.UserIDFromContext(ctx)); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Test answers 429 when the limiter suppressed the attempt, otherwise 200
// with the receiver's status code.
func (h *Handler) Test(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.manager.Test(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}

	body := testResponse{Success: res.Success(), StatusCode: res.StatusCode}
	switch {
	case res.Success():
		body.Message = "test delivery succeeded"
	case apperr.IsRateLimited(res.Err()):
		body.Message = "test delivery skipped: rate limit exceeded"
		return c.JSON(http.StatusTooManyRequests, body)
	case res.Status == DeliverySkipped:
		body.Message = "test delivery skipped: " + res.Error
	default:
		body.Message = "test delivery failed: " + res.Error
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) Deliveries(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.manager.Deliveries(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
