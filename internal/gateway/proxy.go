package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"medgate.org/internal/httpapi"
)

const (
	maxRequestBody  = 10 << 20
	maxResponseBody = 20 << 20
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response is a fully read and decoded upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Proxy performs one bounded upstream call per inbound request.
type Proxy struct {
	client  *http.Client
	timeout time.Duration
	proxies httpapi.TrustedProxies
}

// NewProxy builds a proxy. A nil transport uses a clone of the default
// transport with automatic decompression disabled. An inbound
// X-Forwarded-For chain is only passed on when the peer is one of proxies.
func NewProxy(timeout time.Duration, transport http.RoundTripper, proxies httpapi.TrustedProxies) *Proxy {
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DisableCompression = true
		t.ResponseHeaderTimeout = timeout
		transport = t
	}
	return &Proxy{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		proxies: proxies,
	}
}

// Forward sends the inbound request to route. ctx should be the inbound
// request context so a client disconnect cancels the upstream call. GET
// requests are retried once on a connection failure, never on a timeout.
func (p *Proxy) Forward(ctx context.Context, route Route, target string, in *http.Request, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	attempts := 1
	if in.Method == http.MethodGet {
		attempts = 2
	}
	var (
		resp *http.Response
		err  error
	)
	for i := 0; i < attempts; i++ {
		var req *http.Request
		req, err = p.outbound(ctx, route, target, in, body)
		if err != nil {
			return nil, &UpstreamError{Status: http.StatusBadGateway, Route: route.Name, Cause: err}
		}
		resp, err = p.client.Do(req)
		if err == nil || ctx.Err() != nil || isTimeout(err) {
			break
		}
	}
	if err != nil {
		return nil, classify(ctx, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, classify(ctx, route, err)
	}
	if len(raw) > maxResponseBody {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Route: route.Name, Cause: errors.New("response too large")}
	}
	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Route: route.Name, Cause: err}
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Encoding")
	header.Del("Content-Length")

	if requiresJSON(in.URL.Path) && !relayableJSON(in.Method, resp.StatusCode, decoded) {
		return nil, &UpstreamError{
			Status: http.StatusBadGateway,
			Route:  route.Name,
			Cause:  fmt.Errorf("%w: status %d, content type %q", errNotJSON, resp.StatusCode, resp.Header.Get("Content-Type")),
		}
	}
	return &Response{Status: resp.StatusCode, Header: header, Body: decoded}, nil
}

func (p *Proxy) outbound(ctx context.Context, route Route, target string, in *http.Request, body []byte) (*http.Request, error) {
	var rd io.Reader = http.NoBody
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, route.URL(target, in.URL.RawQuery), rd)
	if err != nil {
		return nil, err
	}
	req.Header = in.Header.Clone()
	removeHopHeaders(req.Header)
	req.Header.Del("Host")

	req.Header.Set("X-Forwarded-For", p.proxies.ForwardedFor(in))
	req.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	return req, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func classify(ctx context.Context, route Route, err error) error {
	status := http.StatusBadGateway
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	return &UpstreamError{Status: status, Route: route.Name, Cause: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func requiresJSON(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

func relayableJSON(method string, status int, body []byte) bool {
	if status == http.StatusNoContent || status == http.StatusNotModified || method == http.MethodHead {
		return len(bytes.TrimSpace(body)) == 0 || json.Valid(body)
	}
	return json.Valid(body)
}

// decodeBody reverses every content coding in the header, last applied first.
func decodeBody(header string, body []byte) ([]byte, error) {
	if strings.TrimSpace(header) == "" {
		return body, nil
	}
	codings := strings.Split(header, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		body, err = decodeOne(coding, body)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return body, nil
}

func decodeOne(coding string, body []byte) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	switch coding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		var gr *gzip.Reader
		if gr, err = gzip.NewReader(bytes.NewReader(body)); err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case "deflate":
		// zlib-wrapped per RFC 9110; some servers send raw deflate
		zr, zerr := zlib.NewReader(bytes.NewReader(body))
		if zerr != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		var zr *zstd.Decoder
		if zr, err = zstd.NewReader(bytes.NewReader(body)); err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
	out, err := io.ReadAll(io.LimitReader(r, maxResponseBody+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxResponseBody {
		return nil, errors.New("decoded response too large")
	}
	return out, nil
}
