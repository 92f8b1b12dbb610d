// Package httputil builds the tuned outbound clients used for upstream
// inference calls.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// DefaultClient is bounded end to end. Used for calls with small bodies,
// like the reload webhook.
func DefaultClient() *http.Client {
	return newClient(120 * time.Second)
}

// StreamingClient has no overall timeout: SSE responses stay open for
// minutes. Connect and header deadlines still apply; cancellation comes
// from the request context.
func StreamingClient() *http.Client {
	return newClient(0)
}

func newClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
