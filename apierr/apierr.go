// Package apierr holds errors caused by the caller of the relay API. They
// are reported verbatim with their status code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type ClientError struct {
	Status  int
	Message string
	// Payload is optional detail included in the error body.
	Payload any
}

func (e *ClientError) Error() string { return e.Message }

func New(status int, format string, args ...any) *ClientError {
	return &ClientError{Status: status, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *ClientError {
	return New(http.StatusNotFound, format, args...)
}

func BadRequest(format string, args ...any) *ClientError {
	return New(http.StatusBadRequest, format, args...)
}

// As returns the *ClientError in err's chain.
func As(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
