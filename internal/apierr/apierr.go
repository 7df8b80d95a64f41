// Package apierr defines the relay's stable error taxonomy shared by the
// HTTP surface and the WebSocket endpoints, so the two transports never
// drift on what a given failure is called.
package apierr

import "net/http"

// Code is a stable, wire-visible error identifier.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"

	CodePairingInvalid           Code = "PAIRING_INVALID"
	CodePairingExpired           Code = "PAIRING_EXPIRED"
	CodePairingAttemptsExceeded  Code = "PAIRING_ATTEMPTS_EXCEEDED"
	CodeAgentSecretMismatch      Code = "AGENT_SECRET_MISMATCH"

	CodeAgentOffline    Code = "AGENT_OFFLINE"
	CodeAgentNotPaired  Code = "AGENT_NOT_PAIRED"
	CodeMessageTooLarge Code = "MESSAGE_TOO_LARGE"
	CodeInvalidMessage  Code = "INVALID_MESSAGE"

	CodeRateLimited Code = "RATE_LIMITED"

	CodeFreePlanLimit Code = "FREE_PLAN_LIMIT"

	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is the relay's canonical error shape. It wraps an optional cause
// for logging but never renders the cause to a caller.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that also carries an internal cause, logged but
// never exposed to the caller.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// As extracts an *Error from any error, falling back to a generic
// INTERNAL_ERROR for errors that didn't originate in this package.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// httpStatus maps each Code to the HTTP status the wire contract
// expects.
var httpStatus = map[Code]int{
	CodeUnauthorized:            http.StatusUnauthorized,
	CodeTokenExpired:            http.StatusUnauthorized,
	CodeTokenInvalid:            http.StatusUnauthorized,
	CodeInvalidCredentials:      http.StatusUnauthorized,
	CodePairingInvalid:          http.StatusBadRequest,
	CodePairingExpired:          http.StatusBadRequest,
	CodePairingAttemptsExceeded: http.StatusBadRequest,
	CodeAgentSecretMismatch:     http.StatusUnauthorized,
	CodeAgentOffline:            http.StatusConflict,
	CodeAgentNotPaired:          http.StatusNotFound,
	CodeMessageTooLarge:         http.StatusRequestEntityTooLarge,
	CodeInvalidMessage:          http.StatusBadRequest,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeFreePlanLimit:           http.StatusPaymentRequired,
	CodeInternal:                http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status code for an Error, defaulting to 500.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
