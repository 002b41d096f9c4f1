package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header map[string]string) (echo.Context, *httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var seen echo.Context
	err := mw(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	return seen, rec, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}),
				map[string]string{"Authorization": tt.header})
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-42",
			Issuer:    "https://auth.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"staff"},
	}, testSigningKey)

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example"})
	c, rec, err := runMiddleware(t, mw, map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "staff-42" {
		t.Errorf("expected user staff-42, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "staff" {
		t.Errorf("unexpected roles %v", roles)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tests := []struct {
		name  string
		token string
		cfg   JWTConfig
	}{
		{
			name:  "wrong key",
			token: createTestToken(t, Claims{RegisteredClaims: valid}, []byte("another-key")),
			cfg:   JWTConfig{SigningKey: testSigningKey},
		},
		{
			name: "expired",
			token: createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			}}, testSigningKey),
			cfg: JWTConfig{SigningKey: testSigningKey},
		},
		{
			name:  "wrong issuer",
			token: createTestToken(t, Claims{RegisteredClaims: valid}, testSigningKey),
			cfg:   JWTConfig{SigningKey: testSigningKey, Issuer: "https://other.example"},
		},
		{
			name: "no subject",
			token: createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}}, testSigningKey),
			cfg: JWTConfig{SigningKey: testSigningKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(tt.cfg), map[string]string{"Authorization": "Bearer " + tt.token})
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	c, _, err := runMiddleware(t, DevAuthMiddleware(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "dev-user" {
		t.Errorf("expected dev-user, got %q", got)
	}
	if !HasRole(ctx, RoleStaff) {
		t.Error("dev principal should pass role checks as admin")
	}
}

func TestDevAuthMiddleware_HeaderOverride(t *testing.T) {
	c, _, err := runMiddleware(t, DevAuthMiddleware(), map[string]string{
		DevUserHeader:  "nurse-7",
		DevRolesHeader: "staff, provider",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "nurse-7" {
		t.Errorf("expected nurse-7, got %q", got)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 || roles[0] != "staff" || roles[1] != "provider" {
		t.Errorf("unexpected roles %v", roles)
	}
	if HasRole(ctx, RoleAdmin) {
		t.Error("override roles must not include admin")
	}
}
