package stellar

import (
	"errors"
	"strings"

	"github.com/stellar/go/clients/horizonclient"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
)

// Submission result codes that are worth another attempt: the sequence number
// was stale or the fee bid too low, both fixed by rebuilding the envelope.
var retryableResultCodes = map[string]bool{
	"tx_bad_seq":          true,
	"tx_insufficient_fee": true,
}

// IsNotFound reports whether err is a Horizon 404.
func IsNotFound(err error) bool {
	return horizonclient.IsNotFoundError(err)
}

// horizonError unwraps err to the Horizon problem payload, handling both the
// pointer and value forms the client returns.
func horizonError(err error) (*horizonclient.Error, bool) {
	var perr *horizonclient.Error
	if errors.As(err, &perr) {
		return perr, true
	}
	var verr horizonclient.Error
	if errors.As(err, &verr) {
		return &verr, true
	}
	return nil, false
}

// ResultCodes extracts the transaction and operation result codes from a
// submission error. Empty when err carries no Horizon problem payload.
func ResultCodes(err error) []string {
	herr, ok := horizonError(err)
	if !ok {
		return nil
	}
	codes, cErr := herr.ResultCodes()
	if cErr != nil || codes == nil {
		return nil
	}
	out := make([]string, 0, 2+len(codes.OperationCodes))
	if codes.TransactionCode != "" {
		out = append(out, codes.TransactionCode)
	}
	if codes.InnerTransactionCode != "" {
		out = append(out, codes.InnerTransactionCode)
	}
	out = append(out, codes.OperationCodes...)
	return out
}

// IsRetryableSubmission reports whether a failed submission should be rebuilt
// and retried: stale sequence, low fee bid, timeouts, rate limits, and plain
// network failures. Everything else is a terminal submission failure.
func IsRetryableSubmission(err error) bool {
	if err == nil {
		return false
	}

	for _, code := range ResultCodes(err) {
		if retryableResultCodes[code] {
			return true
		}
	}

	if herr, ok := horizonError(err); ok {
		switch herr.Problem.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
		// 400 with a non-retryable result code is terminal.
		if herr.Problem.Status == 400 {
			return false
		}
	}

	return transientMessage(err)
}

// IsTransientLookup reports whether a Horizon read failed for a reason worth
// polling again: rate limits, 5xx responses, timeouts, and network faults.
// Lookups have no submission result codes to consult, so tx_bad_seq and the
// like never make a read transient.
func IsTransientLookup(err error) bool {
	if err == nil {
		return false
	}
	if herr, ok := horizonError(err); ok {
		switch herr.Problem.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return transientMessage(err)
}

func transientMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network")
}

// WrapError converts a Horizon failure into the service error taxonomy,
// carrying the retryability decision with it.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	code := apperrors.ErrCodeBlockchainError
	if IsNotFound(err) {
		code = apperrors.ErrCodeTransactionNotFound
	}
	wrapped := apperrors.Wrap(code, message, err).
		WithRetryable(IsRetryableSubmission(err))
	if codes := ResultCodes(err); len(codes) > 0 {
		return wrapped.WithDetail("result_codes", strings.Join(codes, ","))
	}
	return wrapped
}
