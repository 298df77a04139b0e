package apierr

import (
	"fmt"
	"time"
)

type Error struct {
	Status int
	Code   string
	Err    error
	// RetryAfter carries the server's Retry-After hint, when one was sent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) HTTPStatusCode() int { return e.Status }

func (e *Error) RetryAfterHint() time.Duration { return e.RetryAfter }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
