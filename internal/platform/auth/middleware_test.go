package auth

import (
	"errors"
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

func runJWT(t *testing.T, cfg JWTConfig, header string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if handler == nil {
		handler = func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	}
	return JWTMiddleware(cfg)(handler)(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_RejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header, nil)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reviewer-7",
			Issuer:    "clinic",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:     []string{RoleStaff},
		PatientID: "",
	}, testSigningKey)

	called := false
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "clinic"}, "Bearer "+tokenStr, func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "reviewer-7" {
			t.Errorf("expected reviewer-7, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleStaff {
			t.Errorf("unexpected roles %v", roles)
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected handler to run, err=%v", err)
	}
}

func TestJWTMiddleware_ExpiredOrWrongIssuer(t *testing.T) {
	expired := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}, testSigningKey)
	expectStatus(t, runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+expired, nil), http.StatusUnauthorized)

	other := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "u", Issuer: "elsewhere",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}, testSigningKey)
	expectStatus(t, runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "clinic"}, "Bearer "+other, nil), http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}, []byte("another-key"))
	expectStatus(t, runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr, nil), http.StatusUnauthorized)
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })(c)
	if err != nil {
		t.Errorf("expected public path to skip auth, got %v", err)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	_ = DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "dev-user" || !HasRole(ctx, RoleClinician) {
			t.Errorf("expected admin dev-user, got %s %v", UserIDFromContext(ctx), RolesFromContext(ctx))
		}
		return nil
	})(c)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, "pat-1")
	req.Header.Set(DevRoleHeader, RolePatient)
	req.Header.Set(DevPatientHeader, "p-1")
	c = e.NewContext(req, httptest.NewRecorder())
	_ = DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		if HasRole(ctx, RoleStaff) {
			t.Error("patient dev identity should not hold staff role")
		}
		if PatientIDFromContext(ctx) != "p-1" {
			t.Errorf("expected patient p-1, got %q", PatientIDFromContext(ctx))
		}
		return nil
	})(c)
}
