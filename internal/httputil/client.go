// Package httputil provides the shared outbound HTTP client used by
// provider adapters, webhook delivery, and balance monitoring.
package httputil

import (
	"net/http"
	"time"
)

// NewClient returns a client with pooled keepalive connections. The ramp
// talks to a small set of hosts repeatedly (provider APIs, Horizon,
// merchant webhook endpoints), so idle connection reuse matters more than
// a large pool.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
