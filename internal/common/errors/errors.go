// Package errors provides the application error type and the JSON
// success/error envelope exposed to web clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes exposed to clients as `errcode`.
const (
	ErrCodeInvalidStateChange = "INVALID_STATE_CHANGE"
	ErrCodeInvalidMediaCall   = "INVALID_MEDIA_CALL"
	ErrCodeMediaNoExists      = "MEDIA_NOEXISTS"
	ErrCodeAgentNoExists      = "AGENT_NOEXISTS"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodePollPidReplaced    = "POLL_PID_REPLACED"
	ErrCodeUnknownError       = "UNKNOWN_ERROR"

	// Listener-level codes, never produced by the session itself.
	ErrCodeAlreadyLoggedIn = "already_logged_in"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"errcode"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidStateChange reports a transition not allowed from the current state.
func InvalidStateChange(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidStateChange,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// InvalidMediaCall reports a command the media driver rejected.
func InvalidMediaCall(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidMediaCall,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// MediaNoExists reports a missing media driver or unrecognized media type.
func MediaNoExists(message string) *AppError {
	return &AppError{
		Code:       ErrCodeMediaNoExists,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// AgentNoExists reports a named peer agent that could not be found.
func AgentNoExists(login string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentNoExists,
		Message:    fmt.Sprintf("agent %q not found", login),
		HTTPStatus: http.StatusOK,
	}
}

// BadRequest reports a missing or unknown function, mode, or argument.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusOK,
	}
}

// PollReplaced reports a long poll displaced by a newer one. Clients rely on
// the envelope, not the HTTP status, so this stays 200.
func PollReplaced() *AppError {
	return &AppError{
		Code:       ErrCodePollPidReplaced,
		Message:    "poll replaced by a newer poll on this session",
		HTTPStatus: http.StatusOK,
	}
}

// Unknown wraps a collaborator failure with an unclassified reason.
func Unknown(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownError,
		Message:    message,
		HTTPStatus: http.StatusOK,
		Err:        err,
	}
}

// AlreadyLoggedIn rejects a login for an agent that has a live session. The
// live session is left untouched; the envelope carries the outcome.
func AlreadyLoggedIn(login string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyLoggedIn,
		Message:    fmt.Sprintf("agent %q is already logged in", login),
		HTTPStatus: http.StatusOK,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error (insufficient privilege).
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// As extracts an *AppError from err, mapping anything else to UNKNOWN_ERROR.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Unknown(err.Error(), err)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Business failures ride a 200 with the error envelope in the body.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPStatus != 0 {
			return appErr.HTTPStatus
		}
		return http.StatusOK
	}
	return http.StatusOK
}

// Envelope is the wire response shape. Exactly three forms are produced:
// {"success":true}, {"success":true,"result":...} and
// {"success":false,"errcode":...,"message":...}.
type Envelope struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	ErrCode string      `json:"errcode,omitempty"`
	Message string      `json:"message,omitempty"`
}

// OK returns the success-empty envelope.
func OK() Envelope {
	return Envelope{Success: true}
}

// OKResult returns the success-value envelope.
func OKResult(result interface{}) Envelope {
	return Envelope{Success: true, Result: result}
}

// Fail converts an error into the error envelope.
func Fail(err error) Envelope {
	appErr := As(err)
	return Envelope{
		Success: false,
		ErrCode: appErr.Code,
		Message: appErr.Message,
	}
}
