package models

import "errors"

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional state transition matched no row,
	// meaning another worker got there first or the row left the expected state.
	ErrConflict = errors.New("state conflict")
	// ErrTxConsumed is returned when a transaction id already backs a different mutation.
	ErrTxConsumed = errors.New("transaction already consumed")
)
