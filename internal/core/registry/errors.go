package registry

import "errors"

// Registry errors
var (
	ErrInvalidPattern = errors.New("invalid service pattern")
	ErrAlreadyRunning = errors.New("registry server already running")
	ErrNotRunning     = errors.New("registry server not running")
)
