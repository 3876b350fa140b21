package shadow

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the shadow service. None of them is retried by
// the store.
var (
	ErrNotFound     = errors.New("document not found")
	ErrTimeout      = errors.New("shadow service timeout")
	ErrUnauthorized = errors.New("unauthorized")
)

// Error is returned by every Store operation that fails.
type Error struct {
	Op       string // get, ensure, upsert, delete, report
	Document string
	Err      error
}

func (e *Error) Error() string {
	doc := e.Document
	if doc == "" {
		doc = "(classic)"
	}
	return fmt.Sprintf("shadow: %s %s: %v", e.Op, doc, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RejectedError is a shadow service rejection that maps to no known kind.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Code, e.Message)
}

// rejection maps a service rejection code onto the failure kinds.
func rejection(code int, message string) error {
	switch code {
	case 404:
		return ErrNotFound
	case 401, 403:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	default:
		return &RejectedError{Code: code, Message: message}
	}
}
