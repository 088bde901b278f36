package model

import "errors"

var (
	// ErrNotFound is returned when a cluster or upgrade request does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an action is not legal in the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStateConflict is returned by a compare-and-swap state write that lost a race.
	ErrStateConflict = errors.New("state changed concurrently")
	// ErrUnauthorized is returned when a caller presents no valid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a caller lacks the approver privilege.
	ErrForbidden = errors.New("approver privilege required")
)
