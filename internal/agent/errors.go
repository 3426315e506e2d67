// File: internal/agent/errors.go
package agent

import "errors"

var (
	// ErrAlreadyRunning rejects a Run while another run is in flight.
	ErrAlreadyRunning = errors.New("agent run already in progress")

	// ErrEmptyGoal rejects a Run without an objective.
	ErrEmptyGoal = errors.New("agent goal must not be empty")
)
