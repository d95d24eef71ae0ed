package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrNotActive        = errors.New("session is not active")
	ErrTerminated       = errors.New("session terminated")
	ErrDuplicateRequest = errors.New("request id already in flight")
	ErrResumeExpired    = errors.New("stream can no longer be resumed")
	ErrInvalidCursor    = errors.New("last event id was never issued")
	ErrReplaced         = errors.New("stream replaced by a newer connection")
)

// Error is a session lifecycle failure. Err is one of the sentinels above.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, id string, err error) error {
	return &Error{Op: op, ID: id, Err: err}
}
