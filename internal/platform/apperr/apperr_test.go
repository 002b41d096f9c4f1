package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("url", "must use https"), http.StatusBadRequest},
		{"not found", NotFound("webhook", "abc"), http.StatusNotFound},
		{"forbidden", &ForbiddenError{Reason: "not the owner"}, http.StatusForbidden},
		{"conflict", &ConflictError{Resource: "conversation", ID: "c1", Reason: "access moved"}, http.StatusConflict},
		{"rate limited", &RateLimitedError{Key: "https://example.com"}, http.StatusTooManyRequests},
		{"upstream", &UpstreamError{Op: "generate reply", Err: errors.New("boom")}, http.StatusBadGateway},
		{"wrapped validation", fmt.Errorf("create: %w", Validation("events", "required")), http.StatusBadRequest},
		{"plain", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusCode(tc.err))
		})
	}
}

func TestValidationError_NamesField(t *testing.T) {
	err := Validation("handoffStatus", "not allowed for standard metadata")
	assert.Contains(t, err.Error(), "handoffStatus")

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "handoffStatus", ve.Field)
}

func TestUpstreamError_Unwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &UpstreamError{Op: "deliver webhook", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "deliver webhook")

	withStatus := &UpstreamError{Op: "deliver webhook", StatusCode: 503}
	assert.Equal(t, "deliver webhook: status 503", withStatus.Error())
}

func TestToHTTP_HidesInternalErrors(t *testing.T) {
	he := ToHTTP(errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.Equal(t, "internal server error", he.Message)

	he = ToHTTP(NotFound("conversation", "c1"))
	assert.Equal(t, http.StatusNotFound, he.Code)
	assert.Equal(t, "conversation c1 not found", he.Message)
}
