// Package apperr defines the error codes shared by the subscription and
// notification services and their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Code string

const (
	CodeInvalidRequest      Code = "invalid_request"
	CodeUnauthorized        Code = "unauthorized"
	CodeNotFound            Code = "not_found"
	CodeDBOperationFailed   Code = "db_operation_failed"
	CodeNetworkServiceError Code = "network_service_error"
	CodeExpired             Code = "expired"
)

// Error is a coded error. Message is safe to return to clients; Err holds the
// underlying cause and is only ever logged.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, apperr.NotFound("")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func InvalidRequest(msg string) *Error { return New(CodeInvalidRequest, msg) }

func Unauthorized(msg string) *Error { return New(CodeUnauthorized, msg) }

func NotFound(msg string) *Error { return New(CodeNotFound, msg) }

func Expired(msg string) *Error { return New(CodeExpired, msg) }

// DBOperationFailed hides the database cause behind a generic message.
func DBOperationFailed(err error) *Error {
	return Wrap(CodeDBOperationFailed, "Failed to persist in database", err)
}

func NetworkServiceError(err error) *Error {
	return Wrap(CodeNetworkServiceError, "Failed to get response from other service", err)
}

// CodeOf returns the code of the first *Error in err's chain, or the empty
// code when err is uncoded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Status maps a code onto the HTTP status returned to clients.
func Status(code Code) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExpired:
		return http.StatusGone
	case CodeNetworkServiceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON error envelope written by HTTPError.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// HTTPError converts err into an echo error with the JSON envelope. Uncoded
// errors become a 500 with a generic message.
func HTTPError(err error) *echo.HTTPError {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, ErrorBody{
			Error: ErrorDetail{Code: CodeDBOperationFailed, Message: "internal server error"},
		})
	}
	return echo.NewHTTPError(Status(e.Code), ErrorBody{
		Error: ErrorDetail{Code: e.Code, Message: e.Message},
	})
}
