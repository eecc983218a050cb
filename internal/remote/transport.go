package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// maxBodySize caps a single response body.
const maxBodySize = 64 << 20

// ErrBodyTooLarge marks a response body over the size cap. The body is
// rejected rather than truncated.
var ErrBodyTooLarge = errors.New("response body too large")

// DefaultUserAgent identifies the updater to mirrors.
const DefaultUserAgent = "DoyeCMS-Updater/1.0"

// Transport is one strategy for fetching a URL.
type Transport interface {
	// Name identifies the strategy in logs and diagnostics.
	Name() string
	// Get fetches url and returns the body of a 200 response.
	Get(ctx context.Context, url string) ([]byte, error)
}

// StatusError reports a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// HTTPOptions configures the built-in transports.
type HTTPOptions struct {
	UserAgent          string
	ConnectTimeout     time.Duration
	Timeout            time.Duration
	InsecureSkipVerify bool
	MaxRedirects       int
}

// DefaultHTTPOptions returns the options used for manifest and list fetches.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		UserAgent:          DefaultUserAgent,
		ConnectTimeout:     10 * time.Second,
		Timeout:            30 * time.Second,
		InsecureSkipVerify: true,
		MaxRedirects:       3,
	}
}

// HTTPTransport is a Transport backed by an http.Client and a fixed header set.
type HTTPTransport struct {
	name    string
	client  *http.Client
	header  http.Header
	maxBody int64
}

// NewHTTPTransport wraps client. header is sent with every request.
func NewHTTPTransport(name string, client *http.Client, header http.Header) *HTTPTransport {
	if header == nil {
		header = http.Header{}
	}
	return &HTTPTransport{name: name, client: client, header: header, maxBody: maxBodySize}
}

// NewTunedTransport is the full-featured strategy: bounded redirects, a fixed
// user agent, plain-text accept headers and a connect timeout.
func NewTunedTransport(opts HTTPOptions) *HTTPTransport {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // mirrors are commonly fronted by broken certificates
			MinVersion:         tls.VersionTLS12,
		},
	}

	maxRedirects := opts.MaxRedirects
	client := &http.Client{
		Transport: tr,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	header := http.Header{}
	header.Set("User-Agent", opts.UserAgent)
	header.Set("Accept", "text/plain")
	header.Set("Cache-Control", "no-cache")

	return NewHTTPTransport("tuned", client, header)
}

// NewCompatTransport is the simpler fallback strategy: no connection reuse and
// the default redirect policy.
func NewCompatTransport(opts HTTPOptions) *HTTPTransport {
	tr := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DialContext:       (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		DisableKeepAlives: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // same policy as the tuned transport
		},
	}

	header := http.Header{}
	header.Set("User-Agent", opts.UserAgent)
	header.Set("Connection", "close")

	return NewHTTPTransport("compat", &http.Client{Transport: tr, Timeout: opts.Timeout}, header)
}

// NewGenericTransport is the last-resort strategy for file downloads: a
// plain client with default TLS verification and no extra headers.
func NewGenericTransport(opts HTTPOptions) *HTTPTransport {
	return NewHTTPTransport("generic", &http.Client{Timeout: opts.Timeout}, nil)
}

// Name implements Transport.
func (t *HTTPTransport) Name() string {
	return t.name
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range t.header {
		req.Header[k] = v
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	return readBody(resp.Body, url, t.maxBody)
}

// readBody reads at most limit bytes from r and fails when more remain.
func readBody(r io.Reader, url string, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("GET %s: %w (limit %d bytes)", url, ErrBodyTooLarge, limit)
	}
	return body, nil
}

// CloseIdleConnections releases pooled connections held by the transport.
func (t *HTTPTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}
