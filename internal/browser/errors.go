// File: internal/browser/errors.go
package browser

import "errors"

// Invariant violations thrown by the orchestrator. Tool handlers are expected
// to catch these and downgrade them into error results.
var (
	ErrAlreadyLaunched = errors.New("browser already launched")
	ErrNotLaunched     = errors.New("browser not launched")
	ErrActorExists     = errors.New("actor context already exists")
	ErrUnknownActor    = errors.New("unknown actor context")
	ErrClosed          = errors.New("orchestrator is closed")
)

// Configuration errors raised by auth strategies when a required sub-config or
// environment value is missing.
var (
	ErrMissingAuthRole   = errors.New("auth role is required")
	ErrMissingStrategy   = errors.New("auth strategy is required")
	ErrMissingSecretEnv  = errors.New("required environment secret is unset")
	ErrMissingAuthConfig = errors.New("auth strategy sub-configuration is incomplete")
)
