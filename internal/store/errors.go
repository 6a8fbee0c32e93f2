package store

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a flow update carries a stale version.
	ErrVersionConflict = errors.New("flow version conflict")
	// ErrActiveFlowExists is returned when creating a second active flow for a user.
	ErrActiveFlowExists = errors.New("user already has an active flow")
	// ErrFlowNotActive is returned when canceling a flow that already terminated.
	ErrFlowNotActive = errors.New("flow is not active")
)
