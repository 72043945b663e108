package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidMethod is returned for verbs outside Methods.
	ErrInvalidMethod = errors.New("invalid method")
	// ErrInvalidPath is returned for empty or non-relative paths.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidParams is returned when two param keys collide after trimming.
	ErrInvalidParams = errors.New("invalid params")
)

// TransportError is a network-level failure, or a 5xx that survived every retry.
type TransportError struct {
	Method     Method
	Path       string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transport %s %s failed after %d attempt(s)", e.Method, e.Path, e.Attempts)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClientError is a 4xx response. It is never retried.
type ClientError struct {
	Method     Method
	Path       string
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("client error %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("client error %s %s: status %d body: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// TimeoutError is returned once the send deadline has passed.
type TimeoutError struct {
	Method   Method
	Path     string
	Timeout  time.Duration
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout %s %s after %s (%d attempt(s))", e.Method, e.Path, e.Timeout, e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another try at a higher level.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, ErrInvalidMethod) || errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrInvalidParams) {
		return false
	}
	return true
}
