package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"medgate.org/internal/auth"
	"medgate.org/internal/obs"
	"medgate.org/internal/rbac"
)

const serviceName = "medgate-api"

// Readiness reports whether the service dependencies answer.
type Readiness interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database and the invalidation bus when configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		return rp.Redis.Ping(ctx).Err()
	}
	return nil
}

// Verifier turns a bearer credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// TokenIssuer signs identity-only credentials.
type TokenIssuer interface {
	Issue(userID int64) (string, time.Time, error)
}

// Config wires the API. A nil Issuer disables /api/auth/token and a
// non-positive RatePerSec disables rate limiting.
type Config struct {
	Engine         *rbac.Engine
	Verifier       Verifier
	Issuer         TokenIssuer
	Ready          Readiness
	Version        string
	RateBurst      int
	RatePerSec     float64
	TrustedProxies TrustedProxies
}

// API is the HTTP layer of the RBAC service.
type API struct {
	engine     *rbac.Engine
	verifier   Verifier
	issuer     TokenIssuer
	ready      Readiness
	version    string
	rateBurst  int
	ratePerSec float64
	proxies    TrustedProxies
	now        func() time.Time
}

func New(cfg Config) *API {
	a := &API{
		engine:     cfg.Engine,
		verifier:   cfg.Verifier,
		issuer:     cfg.Issuer,
		ready:      cfg.Ready,
		version:    cfg.Version,
		rateBurst:  cfg.RateBurst,
		ratePerSec: cfg.RatePerSec,
		proxies:    cfg.TrustedProxies,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 1
	}
	return a
}

// Handler returns the full middleware chain and routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, Recoverer, SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler {
		return MaxBodyBytes(next, maxBodyBytes)
	})
	if a.ratePerSec > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, a.rateBurst, a.ratePerSec, a.proxies)
		})
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", a.Health)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		if a.issuer != nil {
			r.Post("/auth/token", a.handleAuthToken)
		}
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(a.verifier))
			r.Get("/rbac/me", a.handleMe)
			r.Get("/rbac/patients/{patientID}/access", a.handlePatientAccess)

			r.Group(func(r chi.Router) {
				r.Use(RequirePermission(a.engine, rbac.PermRBACRead))
				r.Get("/rbac/roles", a.handleListRoles)
				r.Get("/rbac/permissions", a.handleListPermissions)
				r.Get("/rbac/modules", a.handleListModules)
				r.Get("/rbac/roles/{roleID}/permissions", a.handleRolePermissions)
				r.Get("/rbac/roles/{roleID}/features", a.handleRoleFeatures)
			})

			r.Group(func(r chi.Router) {
				r.Use(RequirePermission(a.engine, rbac.PermRBACManage))
				r.Post("/rbac/roles", a.handleCreateRole)
				r.Post("/rbac/roles/{roleID}/deactivate", a.handleDeactivateRole)
				r.Post("/rbac/roles/{roleID}/permissions", a.handleGrantPermission)
				r.Delete("/rbac/roles/{roleID}/permissions/{permissionID}", a.handleRevokePermission)
				r.Put("/rbac/roles/{roleID}/features/{moduleID}", a.handleSetFeatureAccess)
				r.Post("/rbac/users/{userID}/roles", a.handleAssignRole)
				r.Delete("/rbac/users/{userID}/roles/{roleID}", a.handleRevokeRole)
				r.Get("/rbac/audit", a.handleAudit)
			})
		})
	})
	return obs.Instrument(r)
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"version":   a.version,
		"timestamp": a.now().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.Warn("readiness_failed", map[string]any{"error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
