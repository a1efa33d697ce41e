package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nairabridge/nairabridge-server/internal/circuitbreaker"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
)

// maxResponseBytes caps how much of a provider response we buffer.
const maxResponseBytes = 1 << 20

// restClient is the shared JSON-over-HTTP plumbing for the REST rails.
// Every call runs through the provider circuit breaker and lands in metrics.
type restClient struct {
	provider string
	http     *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// doJSON performs one JSON request. body may be nil; out may be nil when the
// caller ignores the response document.
func (c *restClient) doJSON(ctx context.Context, operation, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode %s request: %w", c.provider, operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: build %s request: %w", c.provider, operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	raw, err := c.execute(req)
	if c.metrics != nil {
		c.metrics.ObserveProviderCall(c.provider, operation, time.Since(start), err)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrap(apperrors.ErrCodePaymentProviderError,
			fmt.Sprintf("%s: decode %s response", c.provider, operation), err)
	}
	return nil
}

func (c *restClient) execute(req *http.Request) ([]byte, error) {
	call := func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodePaymentProviderError,
				fmt.Sprintf("%s: request failed", c.provider), err).WithRetryable(true)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodePaymentProviderError,
				fmt.Sprintf("%s: read response", c.provider), err).WithRetryable(true)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(c.provider, resp.StatusCode, raw)
		}
		return raw, nil
	}

	var (
		result interface{}
		err    error
	)
	if c.breakers != nil {
		result, err = c.breakers.Execute(circuitbreaker.ServiceProviderAPI, call)
	} else {
		result, err = call()
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// statusError maps an HTTP failure to the error taxonomy. 5xx and 429 are
// retryable; other 4xx mean the request itself is wrong.
func statusError(provider string, status int, body []byte) error {
	message := fmt.Sprintf("%s: http %d", provider, status)
	if len(body) > 0 {
		detail := string(body)
		if len(detail) > 200 {
			detail = detail[:200]
		}
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrCodeRateLimit, message).WithRetryable(true)
	case status >= 500:
		return apperrors.New(apperrors.ErrCodePaymentProviderError, message).WithRetryable(true)
	default:
		return apperrors.New(apperrors.ErrCodePaymentProviderError, message).WithRetryable(false)
	}
}
