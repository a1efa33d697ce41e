package errors

import "net/http"

// ErrorCode represents a machine-readable error identifier. Codes are stable:
// clients and log pipelines key on them, so existing values never change.
type ErrorCode string

// Domain errors (business rules).
const (
	ErrCodeInsufficientBalance   ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeTrustlineRequired     ErrorCode = "TRUSTLINE_REQUIRED"
	ErrCodeRateExpired           ErrorCode = "RATE_EXPIRED"
	ErrCodeAlreadyConsumed       ErrorCode = "ALREADY_CONSUMED"
	ErrCodeInvalidAmount         ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidRate           ErrorCode = "INVALID_RATE"
	ErrCodeDuplicateTransaction  ErrorCode = "DUPLICATE_TRANSACTION"
	ErrCodeTransactionNotFound   ErrorCode = "TRANSACTION_NOT_FOUND"
	ErrCodeInsufficientLiquidity ErrorCode = "INSUFFICIENT_LIQUIDITY"
	ErrCodeAmountTooLow          ErrorCode = "AMOUNT_TOO_LOW"
	ErrCodeInvalidTransition     ErrorCode = "INVALID_STATUS_TRANSITION"
)

// Validation errors (request input).
const (
	ErrCodeInvalidWalletAddress ErrorCode = "INVALID_WALLET_ADDRESS"
	ErrCodeInvalidCurrency      ErrorCode = "INVALID_CURRENCY"
	ErrCodeMissingField         ErrorCode = "MISSING_FIELD"
	ErrCodeOutOfRange           ErrorCode = "OUT_OF_RANGE"
	ErrCodeInvalidSignature     ErrorCode = "INVALID_SIGNATURE"
	ErrCodeUnknownProvider      ErrorCode = "UNKNOWN_PROVIDER"
)

// External service errors. Retryability for these is carried per-error (see
// Error.Retryable); the code-level default below is the conservative answer.
const (
	ErrCodePaymentProviderError ErrorCode = "PAYMENT_PROVIDER_ERROR"
	ErrCodeBlockchainError      ErrorCode = "BLOCKCHAIN_ERROR"
	ErrCodeRateLimit            ErrorCode = "RATE_LIMIT"
	ErrCodeExternalTimeout      ErrorCode = "EXTERNAL_TIMEOUT"
)

// Infrastructure errors.
const (
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeCacheError         ErrorCode = "CACHE_ERROR"
	ErrCodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// IsRetryable returns the default retryability for a code. Individual errors
// can override it (provider and blockchain errors carry their own bit).
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRateLimit,
		ErrCodeExternalTimeout,
		ErrCodeCacheError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - input validation
	case ErrCodeInvalidAmount,
		ErrCodeInvalidRate,
		ErrCodeAmountTooLow,
		ErrCodeInvalidWalletAddress,
		ErrCodeInvalidCurrency,
		ErrCodeMissingField,
		ErrCodeOutOfRange:
		return http.StatusBadRequest

	// 402 Payment Required - funding problems
	case ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired

	// 401 Unauthorized - failed webhook signature verification
	case ErrCodeInvalidSignature:
		return http.StatusUnauthorized

	// 404 Not Found
	case ErrCodeTransactionNotFound,
		ErrCodeUnknownProvider:
		return http.StatusNotFound

	// 409 Conflict - business rule conflicts
	case ErrCodeTrustlineRequired,
		ErrCodeAlreadyConsumed,
		ErrCodeDuplicateTransaction,
		ErrCodeInsufficientLiquidity,
		ErrCodeInvalidTransition:
		return http.StatusConflict

	// 410 Gone - expired quotes
	case ErrCodeRateExpired:
		return http.StatusGone

	// 429 Too Many Requests
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests

	// 502 Bad Gateway - upstreams the caller cannot influence
	case ErrCodePaymentProviderError,
		ErrCodeBlockchainError:
		return http.StatusBadGateway

	// 504 Gateway Timeout
	case ErrCodeExternalTimeout:
		return http.StatusGatewayTimeout

	// 500 Internal Server Error - infrastructure
	default:
		return http.StatusInternalServerError
	}
}
