package service

import (
	"net/http"
	"time"
)

// Stable error codes surfaced in the response envelope. The set is closed;
// handlers and clients switch on these strings.
const (
	CodeTokenNotAccepted   = "TOKEN_NOT_ACCEPTED"
	CodeWalletRateLimited  = "WALLET_RATE_LIMITED"
	CodeIPRateLimited      = "IP_RATE_LIMITED"
	CodeNoPayerCapacity    = "NO_PAYER_CAPACITY"
	CodeCircuitBreakerOpen = "CIRCUIT_BREAKER_OPEN"
	CodeQuoteFailed        = "QUOTE_FAILED"

	CodeQuoteNotFound    = "QUOTE_NOT_FOUND"
	CodeQuoteExpired     = "QUOTE_EXPIRED"
	CodeTxTooLarge       = "TX_TOO_LARGE"
	CodeInvalidTxFormat  = "INVALID_TX_FORMAT"
	CodeReplayDetected   = "REPLAY_DETECTED"
	CodeBlockhashExpired = "BLOCKHASH_EXPIRED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeFeePayerMismatch = "FEE_PAYER_MISMATCH"
	CodeSimulationFailed = "SIMULATION_FAILED"
	CodeSubmitFailed     = "SUBMIT_FAILED"
)

// Error is the service-level failure handed to the HTTP layer. Message is
// safe to return to clients; internals stay in logs.
type Error struct {
	Code       string
	Status     int
	Message    string
	Details    []string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return e.Message
}

// Terminal reports whether retrying the same submit cannot succeed. The
// submit pipeline deletes the quote only on terminal errors.
func (e *Error) Terminal() bool {
	switch e.Code {
	case CodeSubmitFailed, CodeQuoteFailed, CodeWalletRateLimited, CodeIPRateLimited:
		return false
	default:
		return e.Status >= 400 && e.Status < 500
	}
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func badRequest(code, message string) *Error {
	return newError(code, http.StatusBadRequest, message)
}

func unavailable(code, message string, retryAfter time.Duration) *Error {
	err := newError(code, http.StatusServiceUnavailable, message)
	err.RetryAfter = retryAfter
	return err
}

func rateLimited(code string, retryAfter time.Duration) *Error {
	err := newError(code, http.StatusTooManyRequests, "rate limit exceeded")
	err.RetryAfter = retryAfter
	return err
}

func internal(code, message string) *Error {
	return newError(code, http.StatusInternalServerError, message)
}
