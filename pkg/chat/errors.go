package chat

import (
	"errors"
	"fmt"
)

// ErrCallerGone is recorded when generation is abandoned because the caller
// disconnected and CancelOnDisconnect is enabled.
var ErrCallerGone = errors.New("caller disconnected")

// ValidationError rejects input before anything is persisted.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConversationNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
