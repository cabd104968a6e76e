package models

import "errors"

var (
	// ErrInvalidAlarm marks malformed trigger input. Fatal, never retried.
	ErrInvalidAlarm = errors.New("invalid alarm")

	// ErrOracleUnavailable marks a failed or timed out oracle call.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrToolFailure marks a failed tool gateway call for a single task.
	ErrToolFailure = errors.New("tool failure")

	// ErrStorageConflict marks a conditional write that lost a race.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrTerminationForced marks a conclusion imposed by the engine's limits.
	ErrTerminationForced = errors.New("termination forced")

	// ErrNotFound is returned by stores for unknown investigations.
	ErrNotFound = errors.New("not found")
)
