// Package rpcutil retries transient failures on outbound calls to Horizon
// and provider APIs.
package rpcutil

import (
	"context"
	"strings"
	"time"

	"github.com/nairabridge/nairabridge-server/internal/logger"
)

const (
	maxAttempts = 4
	baseDelay   = 100 * time.Millisecond
)

// transientMarkers are substrings that identify errors worth retrying:
// network faults, throttling, and upstream 5xx responses. Horizon and the
// fiat providers do not share a typed error surface, so matching on the
// message is the common denominator.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"network",
	"rate limit",
	"too many requests",
	"429",
	"throttle",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// WithRetry runs operation up to four times with exponential backoff
// (100ms, 200ms, 400ms between attempts). Non-transient errors and context
// cancellation return immediately.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 1; ; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !isTransient(err) || attempt == maxAttempts {
			return result, err
		}

		delay := baseDelay << uint(attempt-1)
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("retry_delay", delay).
			Msg("rpc.operation_retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
