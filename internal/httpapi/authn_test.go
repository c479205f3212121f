package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"medgate.org/internal/audit"
	"medgate.org/internal/auth"
)

type stubVerifier struct {
	id  auth.Identity
	err error
}

func (s stubVerifier) Verify(context.Context, string) (auth.Identity, error) {
	return s.id, s.err
}

type stubAuthorizer struct {
	perms map[string]bool
	roles map[string]bool
}

func (s stubAuthorizer) HasPermission(_ context.Context, _ int64, permission, _ string) bool {
	return s.perms[permission]
}

func (s stubAuthorizer) HasAnyRole(_ context.Context, _ int64, roles ...string) bool {
	for _, r := range roles {
		if s.roles[r] {
			return true
		}
	}
	return false
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func TestRequireAuthFailureTaxonomy(t *testing.T) {
	_ = captureLog(t)
	cases := []struct {
		name     string
		header   string
		verifier stubVerifier
		code     int
		message  string
	}{
		{"missing header", "", stubVerifier{}, http.StatusUnauthorized, auth.MessageMissingCredential},
		{"wrong scheme", "Basic abc", stubVerifier{}, http.StatusUnauthorized, auth.MessageInvalidCredential},
		{"invalid token", "Bearer abc", stubVerifier{err: auth.ErrInvalidCredential}, http.StatusUnauthorized, auth.MessageInvalidCredential},
		{"unknown subject", "Bearer abc", stubVerifier{err: auth.ErrUnknownSubject}, http.StatusUnauthorized, auth.MessageInvalidCredential},
		{"lookup failure", "Bearer abc", stubVerifier{err: errors.New("connection refused")}, http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/rbac/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr, body := serve(RequireAuth(tc.verifier)(okHandler), req)
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
			if body["error"] != tc.message || body["status"] != "error" {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestRequireAuthStoresIdentity(t *testing.T) {
	var got auth.Identity
	handler := RequireAuth(stubVerifier{id: auth.Identity{UserID: 7}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.IdentityFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	serve(handler, req)
	if got.UserID != 7 {
		t.Fatalf("expected identity 7, got %+v", got)
	}
}

func TestRequireRole(t *testing.T) {
	_ = captureLog(t)
	az := stubAuthorizer{roles: map[string]bool{"doctor": true}}

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{UserID: 7}))
	if rr, _ := serve(RequireRole(az, "admin", "doctor")(okHandler), req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr, body := serve(RequireRole(az, "admin")(okHandler), req)
	if rr.Code != http.StatusForbidden || body["error"] != auth.MessageInsufficientPermissions {
		t.Fatalf("expected 403 with generic message, got %d %v", rr.Code, body)
	}

	anon := httptest.NewRequest(http.MethodGet, "/internal", nil)
	if rr, _ := serve(RequireRole(az, "doctor")(okHandler), anon); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	logs := captureLog(t)
	az := stubAuthorizer{perms: map[string]bool{"rbac.read": true}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{UserID: 1}))

	if rr, _ := serve(RequirePermission(az, "rbac.read")(okHandler), req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr, _ := serve(RequirePermission(az, "rbac.manage")(okHandler), req); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	var line struct {
		Event  string         `json:"event"`
		UserID int64          `json:"user_id"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &line); err != nil {
		t.Fatalf("expected one audit line, got %q: %v", logs.String(), err)
	}
	if line.Event != audit.EventAccessDenied || line.UserID != 1 {
		t.Fatalf("unexpected audit line: %+v", line)
	}
	if line.Fields["reason"] != auth.ErrInsufficientPermissions.Error() || line.Fields["permission"] != "rbac.manage" {
		t.Fatalf("unexpected audit fields: %v", line.Fields)
	}
}
