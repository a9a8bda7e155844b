package offload

import "errors"

// Control-plane error taxonomy. Every failed operation wraps exactly one of
// these so callers (and the admin API) can classify without string matching.
var (
	// ErrAlreadyInitialized: Init while the session is Active.
	ErrAlreadyInitialized = errors.New("offload already initialized")

	// ErrNotInitialized: any operation before Init, or Teardown twice.
	ErrNotInitialized = errors.New("offload not initialized")

	// ErrHardwareUnavailable: the forwarding engine cannot support
	// offload on this device at all.
	ErrHardwareUnavailable = errors.New("offload hardware unavailable")

	// ErrHardwareProgram: the engine rejected a specific programming
	// directive; prior programmed state is intact.
	ErrHardwareProgram = errors.New("hardware programming failed")

	// ErrDownstreamRejected: a specific downstream could not be
	// activated (capacity, conflict, engine refusal).
	ErrDownstreamRejected = errors.New("downstream rejected")

	// ErrNoActiveUpstream: a quota was requested for an upstream that is
	// not currently forwarding.
	ErrNoActiveUpstream = errors.New("no active upstream")

	// ErrInvalidParameter: unparseable address, prefix, or name.
	ErrInvalidParameter = errors.New("invalid parameter")
)
