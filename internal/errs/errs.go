// Package errs holds the error taxonomy shared by the sync engine.
// Callers match with errors.Is; producers wrap with fmt.Errorf("%w").
package errs

import "errors"

var (
	// ErrVersionConflict means a committed version was claimed twice.
	// It indicates a broken invariant and is never expected in practice.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStorageUnavailable is transient; the caller may retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound reports an absent document or session.
	ErrNotFound = errors.New("not found")

	// ErrMalformedOperation rejects an operation without touching state.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrHistoryTruncated means the requested base version predates the
	// retained operation log. The client must resync from a fresh snapshot.
	ErrHistoryTruncated = errors.New("history truncated")

	// ErrInvalidState is returned for requests a session cannot serve in
	// its current state, e.g. a submit before the initial sync is acked.
	ErrInvalidState = errors.New("invalid session state")
)

// Code maps an error to a short wire code for clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedOperation):
		return "malformed_operation"
	case errors.Is(err, ErrHistoryTruncated):
		return "history_truncated"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}
