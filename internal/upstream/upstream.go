// Package upstream issues the gateway's outbound HTTP fetches: bounded
// timeouts, header hygiene and a per-route circuit breaker.
package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/model"
)

// hopByHop headers are stripped before forwarding either direction, per
// RFC 7230 §6.1.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Te":                  {},
	"Trailer":             {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
}

// gatewayHeaders belong to the gateway's own admission checks and must
// never reach the upstream.
var gatewayHeaders = map[string]struct{}{
	"X-Api-Key": {},
	// Host is rewritten to the upstream's own host (req.Host is left
	// unset so it defaults to the target URL), never forwarded verbatim.
	"Host": {},
}

// Response is the normalized upstream result handed back to the pipeline
// and, on success, wrapped into a model.CacheEntry by the caller.
type Response struct {
	Status  int
	Headers [][2]string
	Body    []byte
}

// NewClient builds the outbound HTTP client with a bounded connection
// pool. Per-request deadlines come from the route, not the client.
func NewClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   64,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Client fetches upstream responses through a per-route circuit breaker.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	cbThreshold   int
	cbOpenTimeout time.Duration
}

func New(httpClient *http.Client, cbThreshold int, cbOpenTimeout time.Duration) *Client {
	return &Client{
		http:          httpClient,
		breakers:      make(map[string]*CircuitBreaker),
		cbThreshold:   cbThreshold,
		cbOpenTimeout: cbOpenTimeout,
	}
}

func (c *Client) breakerFor(routeID string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[routeID]
	if !ok {
		cb = NewCircuitBreaker(c.cbThreshold, c.cbOpenTimeout)
		c.breakers[routeID] = cb
	}
	return cb
}

// Fetch performs one bounded upstream call for route, rewriting the
// request's destination to route.UpstreamBaseURL+path and stripping
// hop-by-hop and identifying headers before forwarding. A tripped circuit
// breaker short-circuits to ErrUpstreamError without dialing out.
func (c *Client) Fetch(ctx context.Context, route model.Route, method, path, rawQuery string, header http.Header, body io.Reader) (Response, error) {
	cb := c.breakerFor(route.ID)
	if !cb.Allow() {
		return Response{}, model.NewGatewayError(model.ErrUpstreamError, "circuit open for route "+route.Name)
	}

	timeout := time.Duration(route.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimSuffix(route.UpstreamBaseURL, "/") + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(fetchCtx, method, target, body)
	if err != nil {
		cb.OnResult(false)
		return Response{}, model.NewGatewayError(model.ErrUpstreamError, "build outbound request: "+err.Error())
	}
	applyOutboundHeaders(req.Header, header)

	resp, err := c.http.Do(req)
	if err != nil {
		cb.OnResult(false)
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, model.NewGatewayError(model.ErrUpstreamTimeout, "upstream did not respond within "+timeout.String())
		}
		return Response{}, model.NewGatewayError(model.ErrUpstreamError, "upstream request failed: "+err.Error())
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		cb.OnResult(false)
		return Response{}, model.NewGatewayError(model.ErrUpstreamError, "upstream response read failed: "+err.Error())
	}

	cb.OnResult(resp.StatusCode < 500)

	// Response headers are normalized to lower-case names and stripped of
	// hop-by-hop fields: entries may be stored in the shared cache and
	// replayed on a different connection than the one they arrived on.
	headers := make([][2]string, 0, len(resp.Header))
	for k, vv := range resp.Header {
		if _, skip := hopByHop[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			headers = append(headers, [2]string{strings.ToLower(k), v})
		}
	}
	return Response{Status: resp.StatusCode, Headers: headers, Body: bodyBytes}, nil
}

// applyOutboundHeaders copies the inbound header set onto the outbound
// request, stripping hop-by-hop and gateway-owned headers.
func applyOutboundHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, skip := hopByHop[k]; skip {
			continue
		}
		if _, skip := gatewayHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// ApplyForwardingHeaders stamps X-Forwarded-For/Proto/Host on the outbound
// request using the inbound connection's remote address and scheme.
func ApplyForwardingHeaders(dst http.Header, remoteAddr, proto, host string) {
	if clientIP, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if prior := dst.Get("X-Forwarded-For"); prior != "" {
			dst.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			dst.Set("X-Forwarded-For", clientIP)
		}
	}
	if proto != "" {
		dst.Set("X-Forwarded-Proto", proto)
	}
	if host != "" {
		dst.Set("X-Forwarded-Host", host)
	}
}
