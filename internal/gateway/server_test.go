package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"medgate.org/internal/httpapi"
)

func newGateway(t *testing.T, upstream string, timeout time.Duration, transport http.RoundTripper) http.Handler {
	t.Helper()
	return newGatewayWith(t, upstream, Options{Timeout: timeout, Transport: transport})
}

func newGatewayWith(t *testing.T, upstream string, opts Options) http.Handler {
	t.Helper()
	table, err := NewTable([]Route{
		{Name: "rbac", Prefix: "/api/rbac", Upstream: upstream},
		{Name: "site", Prefix: "/site", Upstream: upstream, StripPrefix: true},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	opts.Table = table
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv.Handler()
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, body)
	}
	return out
}

func TestUnmatchedPathIs404JSON(t *testing.T) {
	h := newGateway(t, "http://127.0.0.1:1", time.Second, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere/else", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr.Body.Bytes())
	if body["error"] != "Route not found" || body["path"] != "/nowhere/else" || body["status"] != "error" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHealthReportsTimestamp(t *testing.T) {
	h := newGateway(t, "http://127.0.0.1:1", time.Second, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr.Body.Bytes())
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp: %v", err)
	}
}

func TestForwardsRequestAndHeaders(t *testing.T) {
	type captured struct {
		req  *http.Request
		body []byte
	}
	calls := make(chan captured, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls <- captured{req: r.Clone(context.Background()), body: body}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "rbac")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"status":"success","data":{"id":9}}`)
	}))
	defer up.Close()

	h := newGateway(t, up.URL, time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "http://gateway.example/api/rbac/roles?dry=1", strings.NewReader(`{"name":"lab"}`))
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Connection", "X-Internal")
	req.Header.Set("X-Internal", "secret")
	req.Header.Set("Keep-Alive", "timeout=5")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Upstream") != "rbac" {
		t.Fatalf("upstream header not relayed")
	}
	var got captured
	select {
	case got = <-calls:
	default:
		t.Fatalf("upstream never called")
	}
	seen, seenBody := got.req, got.body
	if seen.URL.Path != "/api/rbac/roles" || seen.URL.RawQuery != "dry=1" {
		t.Fatalf("unexpected upstream url %s", seen.URL)
	}
	if seen.Host == "gateway.example" {
		t.Fatalf("inbound Host leaked upstream")
	}
	if seen.Header.Get("X-Forwarded-Host") != "gateway.example" {
		t.Fatalf("X-Forwarded-Host = %q", seen.Header.Get("X-Forwarded-Host"))
	}
	if seen.Header.Get("X-Internal") != "" || seen.Header.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop headers forwarded: %v", seen.Header)
	}
	if seen.Header.Get("Authorization") != "Bearer abc" {
		t.Fatalf("authorization not forwarded")
	}
	if seen.Header.Get("X-Request-ID") == "" || seen.Header.Get("X-Request-ID") != rr.Header().Get("X-Request-ID") {
		t.Fatalf("request id not propagated")
	}
	if !strings.HasPrefix(seen.Header.Get("X-Forwarded-For"), "192.0.2.1") {
		t.Fatalf("X-Forwarded-For = %q", seen.Header.Get("X-Forwarded-For"))
	}
	if string(seenBody) != `{"name":"lab"}` {
		t.Fatalf("body = %s", seenBody)
	}
}

func TestHTMLFromAPIUpstreamBecomes502(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "<html><body>stack trace</body></html>")
	}))
	defer up.Close()

	h := newGateway(t, up.URL, time.Second, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr.Body.Bytes())
	if body["error"] != "Upstream service returned an invalid response" {
		t.Fatalf("unexpected body: %v", body)
	}
	if strings.Contains(rr.Body.String(), "stack trace") {
		t.Fatalf("upstream body leaked")
	}
}

func TestNonAPIRouteRelaysRawBody(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<p>"+r.URL.Path+"</p>")
	}))
	defer up.Close()

	h := newGateway(t, up.URL, time.Second, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/site/index.html", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "<p>/index.html</p>" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
}

func TestEmptyNoContentIsRelayed(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()

	h := newGateway(t, up.URL, time.Second, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/rbac/roles/3", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestDecodesCompressedBodies(t *testing.T) {
	payload := []byte(`{"status":"success","data":{"roles":6}}`)
	encoders := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(b)
			_ = bw.Close()
			return buf.Bytes()
		},
		"zstd": func(b []byte) []byte {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				panic(err)
			}
			defer enc.Close()
			return enc.EncodeAll(b, nil)
		},
	}
	for coding, encode := range encoders {
		compressed := encode(payload)
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Encoding", coding)
			_, _ = w.Write(compressed)
		}))
		h := newGateway(t, up.URL, time.Second, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil)
		req.Header.Set("Accept-Encoding", "gzip, br, zstd")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		up.Close()

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", coding, rr.Code, rr.Body.String())
		}
		if rr.Header().Get("Content-Encoding") != "" {
			t.Fatalf("%s: content encoding still set", coding)
		}
		if !bytes.Equal(rr.Body.Bytes(), payload) {
			t.Fatalf("%s: body = %q", coding, rr.Body.String())
		}
	}
}

func TestUpstreamTimeoutIs504(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer up.Close()

	h := newGateway(t, up.URL, 50*time.Millisecond, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	if body := decodeEnvelope(t, rr.Body.Bytes()); body["error"] != "Upstream service timed out" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	addr := up.URL
	up.Close()

	h := newGateway(t, addr, time.Second, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if body := decodeEnvelope(t, rr.Body.Bytes()); body["error"] != "Upstream service unavailable" {
		t.Fatalf("unexpected body: %v", body)
	}
}

type flakyTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestGetRetriedOnceAfterConnectionFailure(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","data":[]}`)
	}))
	defer up.Close()

	ft := &flakyTransport{next: http.DefaultTransport}
	h := newGateway(t, up.URL, time.Second, ft)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", rr.Code)
	}
	if got := ft.calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestPostNotRetried(t *testing.T) {
	ft := &flakyTransport{next: http.DefaultTransport}
	h := newGateway(t, "http://127.0.0.1:1", time.Second, ft)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/rbac/roles", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if got := ft.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestDecodeBodyRejectsUnknownCoding(t *testing.T) {
	if _, err := decodeBody("compress", []byte("x")); err == nil {
		t.Fatalf("expected error for unsupported coding")
	}
	out, err := decodeBody("identity", []byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Fatalf("identity: %q %v", out, err)
	}
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	started := make(chan struct{}, 1)
	canceled := make(chan struct{}, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
			canceled <- struct{}{}
		case <-time.After(5 * time.Second):
		}
	}))
	defer up.Close()

	h := newGateway(t, up.URL, 10*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rr, req)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never called")
	}
	cancel()
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream context not canceled after client disconnect")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway handler did not return")
	}
}

func TestRateLimitKeysOnPeerNotForwardedFor(t *testing.T) {
	h := newGatewayWith(t, "http://127.0.0.1:1", Options{Timeout: time.Second, RateBurst: 1, RatePerSec: 0.001})
	var allowed, limited int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		switch rr.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			limited++
			if rr.Header().Get("Retry-After") == "" {
				t.Fatalf("429 without Retry-After")
			}
		default:
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	if allowed != 1 || limited != 4 {
		t.Fatalf("allowed=%d limited=%d, want 1 and 4", allowed, limited)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.10:4000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("other peer: expected 200, got %d", rr.Code)
	}
}

func TestForwardedForChainDependsOnPeer(t *testing.T) {
	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Forwarded-For")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","data":[]}`)
	}))
	defer up.Close()

	proxies, err := httpapi.ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	h := newGatewayWith(t, up.URL, Options{Timeout: time.Second, TrustedProxies: proxies})

	cases := []struct {
		peer string
		want string
	}{
		{peer: "203.0.113.9:4000", want: "203.0.113.9"},
		{peer: "10.1.2.3:4000", want: "198.51.100.7, 10.1.2.3"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/rbac/roles", nil)
		req.RemoteAddr = tc.peer
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.peer, rr.Code)
		}
		if got := <-seen; got != tc.want {
			t.Fatalf("%s: X-Forwarded-For = %q, want %q", tc.peer, got, tc.want)
		}
	}
}

func TestEncodedSlashForwardedAsReceived(t *testing.T) {
	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","data":{}}`)
	}))
	defer up.Close()

	h := newGateway(t, up.URL, time.Second, nil)
	for _, path := range []string{"/api/rbac/docs/a%2Fb", "/site/files/x%2Fy"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		got := <-seen
		want := strings.Replace(path, "/site", "", 1)
		if got != want {
			t.Fatalf("%s: upstream path = %q, want %q", path, got, want)
		}
	}
}
