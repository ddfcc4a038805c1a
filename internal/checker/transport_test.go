package checker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"proxypulse/internal/shared/types"
)

// endpointFor turns a test server into an endpoint descriptor of the given
// transport kind.
func endpointFor(t *testing.T, srv *httptest.Server, kind types.Kind) types.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to split test server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return types.Endpoint{Address: host, Port: port, Kind: kind}
}

func TestBuildClient_RejectsUnsupportedTransport(t *testing.T) {
	_, err := BuildClient(types.Endpoint{Address: "127.0.0.1", Port: 8080, Kind: "quic"}, time.Second)
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("Expected ErrUnsupportedTransport, got %v", err)
	}
}

func TestProbeClient_FetchThroughHTTPProxy(t *testing.T) {
	// The test server plays the forward proxy: a plain HTTP probe arrives
	// as an absolute-URI GET and is answered directly.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host == "" {
			t.Errorf("Expected absolute-URI proxy request, got %q", r.RequestURI)
		}
		w.Header().Set("X-Probe", "ok")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer proxy.Close()

	client, err := BuildClient(endpointFor(t, proxy, types.KindHTTP), 3*time.Second)
	if err != nil {
		t.Fatalf("BuildClient() returned an error: %v", err)
	}
	defer client.Close()

	resp, err := client.Fetch(context.Background(), "http://probe.invalid/ping")
	if err != nil {
		t.Fatalf("Fetch() returned an error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Probe") != "ok" {
		t.Errorf("Expected X-Probe header to round-trip, got %q", resp.Header.Get("X-Probe"))
	}
	if resp.Body != "pong" {
		t.Errorf("Expected body 'pong', got %q", resp.Body)
	}
}

func TestProbeClient_FetchTimeout(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer proxy.Close()

	client, err := BuildClient(endpointFor(t, proxy, types.KindHTTP), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("BuildClient() returned an error: %v", err)
	}
	defer client.Close()

	_, err = client.Fetch(context.Background(), "http://probe.invalid/ping")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestProbeClient_ConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	client, err := BuildClient(types.Endpoint{Address: host, Port: port, Kind: types.KindHTTP}, time.Second)
	if err != nil {
		t.Fatalf("BuildClient() returned an error: %v", err)
	}
	defer client.Close()

	_, err = client.Fetch(context.Background(), "http://probe.invalid/ping")
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Expected ErrConnectionRefused, got %v", err)
	}
}

func TestClassifyProbeError(t *testing.T) {
	if got := classifyProbeError(context.DeadlineExceeded); !errors.Is(got, ErrTimeout) {
		t.Errorf("Expected deadline to map to ErrTimeout, got %v", got)
	}
	if got := classifyProbeError(errors.New("dial tcp: connection refused")); !errors.Is(got, ErrConnectionRefused) {
		t.Errorf("Expected refused mapping, got %v", got)
	}
	if got := classifyProbeError(errors.New("malformed handshake")); !errors.Is(got, ErrProtocolError) {
		t.Errorf("Expected protocol error fallback, got %v", got)
	}
	if got := classifyProbeError(nil); got != nil {
		t.Errorf("Expected nil for nil, got %v", got)
	}
}
