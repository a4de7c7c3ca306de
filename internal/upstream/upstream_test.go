package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/model"
)

func TestFetch_SuccessReturnsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(NewClient(), 5, 30*time.Second)
	route := model.Route{ID: "r1", Name: "test", UpstreamBaseURL: srv.URL, TimeoutMs: 1000}

	resp, err := c.Fetch(context.Background(), route, http.MethodGet, "/anything", "", http.Header{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFetch_StripsGatewayAndHopByHopHeaders(t *testing.T) {
	var gotXAPIKey, gotHost, gotConnection string
	var gotXFwd string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXAPIKey = r.Header.Get("X-Api-Key")
		gotHost = r.Header.Get("Host")
		gotConnection = r.Header.Get("Connection")
		gotXFwd = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(NewClient(), 5, 30*time.Second)
	route := model.Route{ID: "r4", Name: "test", UpstreamBaseURL: srv.URL, TimeoutMs: 1000}

	header := http.Header{}
	header.Set("X-Api-Key", "tenant-secret")
	header.Set("Host", "gateway.internal")
	header.Set("Connection", "keep-alive")
	header.Set("X-Forwarded-For", "203.0.113.5")

	if _, err := c.Fetch(context.Background(), route, http.MethodGet, "/x", "", header, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotXAPIKey != "" {
		t.Fatalf("expected X-Api-Key to be stripped before forwarding upstream, got %q", gotXAPIKey)
	}
	if gotConnection != "" {
		t.Fatalf("expected hop-by-hop Connection header to be stripped, got %q", gotConnection)
	}
	if gotHost == "gateway.internal" {
		t.Fatalf("expected the inbound Host header not to be forwarded verbatim")
	}
	if gotXFwd != "203.0.113.5" {
		t.Fatalf("expected an explicit X-Forwarded-For to pass through, got %q", gotXFwd)
	}
}

func TestFetch_CircuitOpensAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(NewClient(), 2, time.Minute)
	route := model.Route{ID: "r2", Name: "test", UpstreamBaseURL: srv.URL, TimeoutMs: 1000}

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), route, http.MethodGet, "/x", "", http.Header{}, nil); err != nil {
			t.Fatalf("iter %d: unexpected error: %v", i, err)
		}
	}

	_, err := c.Fetch(context.Background(), route, http.MethodGet, "/x", "", http.Header{}, nil)
	if err == nil {
		t.Fatalf("expected circuit to be open and short-circuit the third call")
	}
	gwErr, ok := err.(*model.GatewayError)
	if !ok || gwErr.Kind != model.ErrUpstreamError {
		t.Fatalf("expected ErrUpstreamError, got %v", err)
	}
}

func TestFetch_TimeoutClassifiesAsUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(NewClient(), 5, 30*time.Second)
	route := model.Route{ID: "r3", Name: "slow", UpstreamBaseURL: srv.URL, TimeoutMs: 10}

	_, err := c.Fetch(context.Background(), route, http.MethodGet, "/x", "", http.Header{}, nil)
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	gwErr, ok := err.(*model.GatewayError)
	if !ok || gwErr.Kind != model.ErrUpstreamTimeout {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}
