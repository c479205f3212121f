package httpapi

import (
	"context"
	"errors"
	"net/http"

	"medgate.org/internal/audit"
	"medgate.org/internal/auth"
	"medgate.org/internal/obs"
	"medgate.org/internal/rbac"
)

const authHeader = "Authorization"

// Authorizer answers role and permission questions for a user. Both
// methods deny on internal errors.
type Authorizer interface {
	HasPermission(ctx context.Context, userID int64, permission, resource string) bool
	HasAnyRole(ctx context.Context, userID int64, roles ...string) bool
}

// Subjects resolves token subjects against the RBAC user table.
func Subjects(e *rbac.Engine) auth.SubjectLookup {
	return auth.SubjectLookupFunc(func(ctx context.Context, userID int64) (auth.Identity, bool, error) {
		u, ok, err := e.LookupUser(ctx, userID)
		if err != nil || !ok {
			return auth.Identity{}, false, err
		}
		return auth.Identity{UserID: u.ID, Email: u.Email, Name: u.Name}, true, nil
	})
}

// RequireAuth verifies the bearer credential and stores the identity in the
// request context. Every authentication failure gets the same 401 body.
func RequireAuth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r.Header.Get(authHeader))
			if err != nil {
				msg := auth.MessageInvalidCredential
				if errors.Is(err, auth.ErrMissingCredential) {
					msg = auth.MessageMissingCredential
				}
				denyAuthentication(w, r, msg, err)
				return
			}
			id, err := v.Verify(r.Context(), token)
			if err != nil {
				if auth.IsAuthenticationError(err) {
					denyAuthentication(w, r, auth.MessageInvalidCredential, err)
					return
				}
				obs.Error("authentication_lookup_failed", map[string]any{
					"request_id": RequestIDFromContext(r.Context()),
					"error":      err,
				})
				writeError(w, r, http.StatusInternalServerError, "Internal server error")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole admits identities holding at least one of roles.
func RequireRole(az Authorizer, roles ...string) func(http.Handler) http.Handler {
	return requireIdentity(func(r *http.Request, userID int64) bool {
		return az.HasAnyRole(r.Context(), userID, roles...)
	}, map[string]any{"roles": roles})
}

// RequirePermission admits identities whose effective permission set
// contains permission.
func RequirePermission(az Authorizer, permission string) func(http.Handler) http.Handler {
	return requireIdentity(func(r *http.Request, userID int64) bool {
		return az.HasPermission(r.Context(), userID, permission, "")
	}, map[string]any{"permission": permission})
}

func requireIdentity(allowed func(*http.Request, int64) bool, fields map[string]any) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				denyAuthentication(w, r, auth.MessageMissingCredential, auth.ErrMissingCredential)
				return
			}
			if !allowed(r, userID) {
				entry := map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
					"reason": auth.ErrInsufficientPermissions.Error(),
				}
				for k, v := range fields {
					entry[k] = v
				}
				_ = audit.LogEvent(r.Context(), audit.EventAccessDenied, entry)
				writeError(w, r, http.StatusForbidden, auth.MessageInsufficientPermissions)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func denyAuthentication(w http.ResponseWriter, r *http.Request, msg string, cause error) {
	_ = audit.LogEvent(r.Context(), audit.EventAuthenticationFailed, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"reason": cause.Error(),
	})
	w.Header().Set("WWW-Authenticate", `Bearer realm="medgate"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}
