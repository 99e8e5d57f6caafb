package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrServerNotFound means no server matches the requested ID or name.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerExists indicates the requested server name is already taken.
	ErrServerExists = errors.New("server name already in use")

	// ErrInvalidUsername is returned for player names that fail
	// [ValidUsername]. No command is sent for such names.
	ErrInvalidUsername = errors.New("invalid username format")

	// ErrInvalidTarget means a host or port cannot be dialed.
	ErrInvalidTarget = errors.New("invalid server target")

	// ErrDuplicateRequest is returned when a whitelist request for the same
	// server and username was already recorded.
	ErrDuplicateRequest = errors.New("whitelist request already recorded")
)

// TargetError wraps a validation failure with the offending field.
type TargetError struct {
	Field string
	Value string
	Err   error
}

func (e *TargetError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}
