// Package gatewayerr defines the structured error type used across the
// gateway so the HTTP layer has a single place that maps an error code to
// a status and a retry decision.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a category of gateway failure.
type Code string

const (
	// CodeInvalidRequest marks a malformed request body or an unknown
	// provider type. Never retried.
	CodeInvalidRequest Code = "invalid_request"
	// CodeUpstreamTimeout marks a transport-level timeout talking to a
	// provider. Retried by the upstream client.
	CodeUpstreamTimeout Code = "upstream_timeout"
	// CodeUpstreamError marks a non-2xx response from a provider, or a
	// transport error that was not a timeout. Retried by the upstream
	// client.
	CodeUpstreamError Code = "upstream_error"
	// CodeRateLimited marks a 429 from a provider.
	CodeRateLimited Code = "rate_limited"
	// CodeQuotaExceeded marks a provider reporting an exhausted balance.
	CodeQuotaExceeded Code = "quota_exceeded"
	// CodeParseFailure marks a response body that failed to decode as
	// the expected OpenAI-shaped JSON. Never retried.
	CodeParseFailure Code = "parse_failure"
	// CodePermitExhausted marks a GetPermit refusal: the key is known but
	// every concurrency permit is currently checked out. Distinct from
	// CodeSelectionMiss so metrics can separate the two causes of a
	// strategy-cascade step failing.
	CodePermitExhausted Code = "permit_exhausted"
	// CodeSelectionMiss marks Pool.Select returning no candidate for the
	// requested model under a given strategy.
	CodeSelectionMiss Code = "selection_miss"
	// CodeStrategyCascadeExhausted marks all three dispatch strategies
	// failing in turn; this is what the dispatcher turns into an HTTP 503.
	CodeStrategyCascadeExhausted Code = "strategy_cascade_exhausted"
	// CodeUnauthorized marks a missing or invalid admin credential.
	CodeUnauthorized Code = "unauthorized"
	// CodeInternal marks an unexpected internal failure (store, migration).
	CodeInternal Code = "internal"
)

// Error is the gateway's structured error type. It carries enough context
// for the HTTP layer to pick a status code and a log line without the
// caller re-deriving either.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
	Provider   string
	Cause      error
}

// NewError builds an Error with a default HTTP status derived from the
// code. Use the With* methods to override defaults.
func NewError(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: defaultHTTPStatus(code),
		Retryable:  defaultRetryable(code),
	}
}

// WithCause attaches the underlying error that triggered this one.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the default HTTP status.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable overrides the default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider attaches the api_key (or its redacted suffix) of the
// provider involved, for logging.
func (e *Error) WithProvider(apiKey string) *Error {
	e.Provider = apiKey
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func defaultHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeParseFailure:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case CodeUpstreamTimeout, CodeUpstreamError:
		return http.StatusBadGateway
	case CodePermitExhausted, CodeSelectionMiss, CodeStrategyCascadeExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeUpstreamTimeout, CodeUpstreamError, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err (or any error it wraps) is a gatewayerr
// marked retryable.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// GetErrorCode extracts the Code from err, returning CodeInternal if err is
// not a gatewayerr.Error.
func GetErrorCode(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// HTTPStatus extracts the HTTP status from err, returning 500 if err is not
// a gatewayerr.Error.
func HTTPStatus(err error) int {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.HTTPStatus
	}
	return http.StatusInternalServerError
}
