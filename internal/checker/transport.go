package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxypulse/internal/shared/types"
)

const maxProbeBodyBytes = 64 * 1024

// ProbeResponse carries the parts of an upstream reply the engine cares
// about. Body is truncated to maxProbeBodyBytes.
type ProbeResponse struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// ProbeClient issues HTTP requests through one endpoint's transport. Each
// Fetch opens a single underlying connection and releases it before
// returning, whatever the outcome.
type ProbeClient struct {
	endpoint  types.Endpoint
	transport *http.Transport
	client    *http.Client
	timeout   time.Duration
}

// BuildClient constructs the client-side connector for an endpoint. HTTP and
// HTTPS endpoints become forward-proxy tunnels with Basic auth when
// credentials are present; SOCKS4/SOCKS5 endpoints get their handshake
// layered under a plain HTTP transport.
func BuildClient(ep types.Endpoint, timeout time.Duration) (*ProbeClient, error) {
	addr := net.JoinHostPort(ep.Address, fmt.Sprintf("%d", ep.Port))

	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: timeout,
		// One connection per probe, torn down on Close.
		DisableKeepAlives: true,
		MaxIdleConns:      1,
	}

	switch ep.Kind {
	case types.KindHTTP, types.KindHTTPS:
		proxyURL := &url.URL{Scheme: string(ep.Kind), Host: addr}
		if ep.Username != "" {
			proxyURL.User = url.UserPassword(ep.Username, ep.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		dialer := &net.Dialer{Timeout: timeout}
		transport.DialContext = dialer.DialContext

	case types.KindSOCKS5:
		var auth *proxy.Auth
		if ep.Username != "" {
			auth = &proxy.Auth{User: ep.Username, Password: ep.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("%w: socks5 dialer for %s: %v", ErrProtocolError, addr, err)
		}
		transport.DialContext = socksDialer.(proxy.ContextDialer).DialContext

	case types.KindSOCKS4:
		uri := fmt.Sprintf("socks4://%s?timeout=%s", addr, timeout)
		if ep.Username != "" {
			uri = fmt.Sprintf("socks4://%s@%s?timeout=%s", url.User(ep.Username), addr, timeout)
		}
		dial := socks.Dial(uri)
		transport.DialContext = func(_ context.Context, network, address string) (net.Conn, error) {
			return dial(network, address)
		}

	default:
		return nil, fmt.Errorf("%w: %q for %s", ErrUnsupportedTransport, ep.Kind, addr)
	}

	return &ProbeClient{
		endpoint:  ep,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: timeout},
		timeout:   timeout,
	}, nil
}

// Fetch issues one GET through the endpoint and drains the reply. Errors are
// mapped onto the probe taxonomy (ErrTimeout, ErrConnectionRefused,
// ErrProtocolError).
func (c *ProbeClient) Fetch(ctx context.Context, rawURL string) (*ProbeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", classifyProbeError(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", classifyProbeError(err), err)
	}

	return &ProbeResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       string(body),
	}, nil
}

// Close releases the underlying connection. Must be called on every exit
// path so probes never leak sockets.
func (c *ProbeClient) Close() {
	c.transport.CloseIdleConnections()
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
