// Package errors defines the sentinel errors raised by the scoring engine
// and a small wrapper that attaches a human-readable message and an HTTP
// status to them.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownModel         = errors.New("unknown model")
	ErrUnsupportedSmoothing = errors.New("unsupported smoothing method")
	ErrMissingParameter     = errors.New("missing parameter")
	ErrUseAfterClose        = errors.New("scorer used after close")
	ErrInvalidInput         = errors.New("invalid input")
	ErrTimeout              = errors.New("operation timed out")
)

type Error struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *Error {
	return &Error{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusFor(sentinel),
	}
}

func Newf(sentinel error, format string, args ...any) *Error {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// HTTPStatusCode maps err onto the status the ranking service answers with.
func HTTPStatusCode(err error) int {
	var scoringErr *Error
	if errors.As(err, &scoringErr) {
		return scoringErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownModel),
		errors.Is(err, ErrUnsupportedSmoothing),
		errors.Is(err, ErrMissingParameter),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUseAfterClose):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
