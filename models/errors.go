package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status update would violate
	// the credential lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
