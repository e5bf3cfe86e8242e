package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIO               = errors.New("i/o error")
	ErrParse            = errors.New("parse error")
	ErrInvalidInput     = errors.New("invalid input")
	ErrMalformedCommand = errors.New("malformed command arguments")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrNotReady         = errors.New("index not ready")
	ErrInternal         = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Is and As re-export the standard helpers so callers importing this package
// under the name "errors" keep access to them.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMalformedCommand), errors.Is(err, ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrParse):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
