package entities

import (
	"fmt"

	"github.com/pkg/errors"
)

//Error is a per-request error; it travels to the caller as an error message
type Error struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func NewError(code int, format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Code: code}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

//AsError converts any error into an *Error, falling back to the given code
func AsError(err error, code int) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Message: err.Error(), Code: code}
}

var (
	ErrUnauthorized        = NewError(401, "Unauthorized")
	ErrInsufficientBalance = NewError(402, "Insufficient balance")
	ErrUnknownRequest      = NewError(404, "Unknown request")
	ErrCancelled           = NewError(400, "cancelled")
)
