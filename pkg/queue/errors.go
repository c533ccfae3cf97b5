package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config validation failures.
	ErrValidation = errors.New("queue validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("queue invalid argument")
	// ErrNotInitialized classifies operations on a nil or unbuilt engine/store.
	ErrNotInitialized = errors.New("queue not initialized")
	// ErrClosed classifies operations on an already closed store.
	ErrClosed = errors.New("queue closed")
	// ErrConflict classifies lifecycle conflicts (for example already-running worker).
	ErrConflict = errors.New("queue conflict")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
