package messaging

import (
	"errors"
	"fmt"
	"strings"

	"courier/cmd/internal/messages"
)

var (
	// ErrInvalidMessage is the kind behind every ValidationError.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound reports a missing message.
	ErrNotFound = errors.New("message not found")
	// ErrDuplicate reports a send with an explicit id that is already taken.
	ErrDuplicate = errors.New("message id already taken")
)

// ValidationError lists every problem found in one input.
type ValidationError struct {
	Op       string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrInvalidMessage, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// NotFoundError names the id that was looked up.
type NotFoundError struct {
	Op string
	ID int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v: id=%d", e.Op, ErrNotFound, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// DuplicateError carries the message already stored under the requested id.
type DuplicateError struct {
	Op       string
	ID       int64
	Existing messages.Message
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("%s: %v: id=%d", e.Op, ErrDuplicate, e.ID)
}

func (e DuplicateError) Unwrap() error { return ErrDuplicate }

// RetryableError wraps a storage fault. The operation may be retried;
// Transient reports whether the fault looks momentary (timeouts, contention).
type RetryableError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidMessage) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable reports whether err is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
