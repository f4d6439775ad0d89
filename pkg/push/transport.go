package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// HeaderLogship marks requests made by the agent itself so tracing
	// transports can skip them
	HeaderLogship = "Logship-Log"

	ContentTypeNDJSON = "application/ndjson"
	ContentTypeJSON   = "application/json"

	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Transport posts a body to the collector and reports the response status
type Transport interface {
	Post(ctx context.Context, url string, header http.Header, body []byte) (int, error)
}

// HTTPTransport is the net/http Transport
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport creates a transport with the default connect and
// request timeouts
func NewHTTPTransport() *HTTPTransport {
	dialer := &net.Dialer{Timeout: DefaultConnectTimeout}
	return &HTTPTransport{
		Client: &http.Client{
			Timeout: DefaultRequestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: DefaultConnectTimeout,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        4,
			},
		},
	}
}

// WithTimeout sets the per-request timeout
func (t *HTTPTransport) WithTimeout(timeout time.Duration) *HTTPTransport {
	t.Client.Timeout = timeout
	return t
}

func (t *HTTPTransport) Post(ctx context.Context, url string, header http.Header, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}
