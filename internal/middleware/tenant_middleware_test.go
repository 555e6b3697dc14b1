package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_routing/internal/auth"
	"ai_routing/internal/config"
)

var testAuth = config.AuthConfig{JWTSecret: []byte("middleware-test-secret")}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, _, err := auth.GenerateJWT(auth.Claims{
		TenantID:   "t1",
		UserID:     "u1",
		Workspaces: []string{"ws1"},
		Roles:      roles,
	}, time.Hour, testAuth)
	require.NoError(t, err)
	return tok
}

func echoTenant() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := GetTenantID(r.Context())
		w.Write([]byte(tenant))
	})
}

func TestTenantJWT(t *testing.T) {
	handler := TenantJWT(testAuth)(echoTenant())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid token", "Bearer " + token(t, "member"), http.StatusOK, "t1"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"no bearer prefix", token(t, "member"), http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	handler := TenantJWT(testAuth)(RequireRole(auth.RoleAdmin)(echoTenant()))

	for name, tc := range map[string]struct {
		roles []string
		want  int
	}{
		"admin":   {[]string{"admin"}, http.StatusOK},
		"member":  {[]string{"member"}, http.StatusForbidden},
		"no role": {nil, http.StatusForbidden},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token(t, tc.roles...))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
