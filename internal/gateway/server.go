package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"medgate.org/internal/httpapi"
	"medgate.org/internal/obs"
)

// Options configures a Server.
type Options struct {
	Table      *Table
	Timeout    time.Duration
	Transport  http.RoundTripper
	RateBurst  int
	RatePerSec float64

	// TrustedProxies decides whose X-Forwarded-For is kept. The zero value
	// treats every peer as the client.
	TrustedProxies httpapi.TrustedProxies
}

// Server is the public entry point in front of the clinic services.
type Server struct {
	table      *Table
	proxy      *Proxy
	rateBurst  int
	ratePerSec float64
	proxies    httpapi.TrustedProxies
	now        func() time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Table == nil {
		return nil, errors.New("gateway: route table required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		table:      opts.Table,
		proxy:      NewProxy(timeout, opts.Transport, opts.TrustedProxies),
		rateBurst:  burst,
		ratePerSec: opts.RatePerSec,
		proxies:    opts.TrustedProxies,
		now:        time.Now,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpapi.RequestID, httpapi.LoggingJSON, httpapi.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return httpapi.MaxBodyBytes(next, maxRequestBody)
	})
	if s.ratePerSec > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return httpapi.RateLimit(next, s.rateBurst, s.ratePerSec, s.proxies)
		})
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", obs.Handler())
	r.NotFound(s.dispatch)
	r.MethodNotAllowed(s.dispatch)
	r.HandleFunc("/*", s.dispatch)

	return obs.Instrument(r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"ok","timestamp":"`+s.now().UTC().Format(time.RFC3339)+`"}`)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	route, target, err := s.table.Match(r.URL.EscapedPath())
	if err != nil {
		httpapi.WriteError(w, r, http.StatusNotFound, "Route not found", map[string]any{"path": r.URL.Path})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			httpapi.WriteError(w, r, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return
		}
		httpapi.WriteError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	start := time.Now()
	resp, err := s.proxy.Forward(r.Context(), route, target, r, body)
	obs.UpstreamDuration.WithLabelValues(route.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, r, route, err)
		return
	}
	obs.UpstreamRequests.WithLabelValues(route.Name, "ok").Inc()

	h := w.Header()
	for k, vv := range resp.Header {
		if k == httpapi.RequestIDHeader {
			continue
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	if requiresJSON(r.URL.Path) && len(resp.Body) > 0 {
		h.Set("Content-Type", "application/json")
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, route Route, err error) {
	fields := map[string]any{
		"route":      route.Name,
		"path":       r.URL.Path,
		"request_id": httpapi.RequestIDFromContext(r.Context()),
		"error":      err.Error(),
	}
	// client went away; nobody is left to answer
	if errors.Is(r.Context().Err(), context.Canceled) {
		obs.UpstreamRequests.WithLabelValues(route.Name, "canceled").Inc()
		obs.Info("upstream_canceled", fields)
		return
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		ue = &UpstreamError{Status: http.StatusBadGateway, Route: route.Name, Cause: err}
	}
	outcome := "unavailable"
	switch {
	case ue.Status == http.StatusGatewayTimeout:
		outcome = "timeout"
	case errors.Is(ue, errNotJSON):
		outcome = "invalid"
	}
	obs.UpstreamRequests.WithLabelValues(route.Name, outcome).Inc()
	obs.Warn("upstream_failed", fields)
	httpapi.WriteError(w, r, ue.Status, ue.Message(), nil)
}
