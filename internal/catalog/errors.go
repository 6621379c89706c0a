package catalog

import "errors"

var (
	// ErrUpstreamUnavailable covers transport failures, timeouts, non-2xx
	// responses and undecodable bodies. Fatal to the current cycle only.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamMalformed marks a structured field with an unexpected shape.
	// It is absorbed by the reconciler and never aborts a cycle.
	ErrUpstreamMalformed = errors.New("upstream record malformed")

	// ErrEntityNotFound is a normal negative result for a single lookup.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEmptySnapshot is returned when a cycle produced zero records.
	// The current catalog is left untouched.
	ErrEmptySnapshot = errors.New("empty snapshot")

	// ErrPersistenceFailure is returned when the snapshot transaction failed.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrInvalidSteamID is returned for ids outside the individual SteamID64 range.
	ErrInvalidSteamID = errors.New("invalid steam id")

	// ErrSyncInProgress is returned when a cycle is requested while another
	// one is still running.
	ErrSyncInProgress = errors.New("sync cycle already in progress")
)

// IsRetryable reports whether a failed cycle may succeed on its next
// scheduled run without operator intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrEmptySnapshot)
}
