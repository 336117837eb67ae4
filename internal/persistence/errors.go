package persistence

import "errors"

// Error taxonomy shared by every orchestration layer. Callers wrap these with
// context and test with errors.Is; the gateway maps them to status codes.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")
	// ErrAgentBusy is a normal dispatch outcome, not a failure.
	ErrAgentBusy = errors.New("agent busy")
)
