// Package errors defines the error kinds surfaced by the query execution
// substrate. Callers branch on kinds with [errors.Is].
package errors

import "errors"

var (
	// ErrKilled is returned once a query's kill flag has been observed.
	// It must be propagated, never swallowed.
	ErrKilled = errors.New("query killed")

	// ErrShutdown is returned when the process is shutting down and no new
	// work is accepted. It must be propagated, never swallowed.
	ErrShutdown = errors.New("shutting down")

	ErrDatabaseNotFound   = errors.New("database not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrQueryNotFound      = errors.New("query not found")

	// ErrNotLeader is returned when a snippet was asked to run on a server
	// that is not the leader for any of its required shards.
	ErrNotLeader = errors.New("not leader for shard")

	// ErrAlreadyOpen and ErrNotOpen report engine lease protocol violations.
	ErrAlreadyOpen = errors.New("engine already open")
	ErrNotOpen     = errors.New("engine not open")

	// ErrDuplicate reports a query or engine id collision at insert time.
	ErrDuplicate = errors.New("duplicate id")

	ErrInternal       = errors.New("internal error")
	ErrNotImplemented = errors.New("not implemented")

	// ErrLockTimeout is returned when transaction locks could not be
	// acquired within the configured lock timeout.
	ErrLockTimeout = errors.New("lock timeout")

	ErrForbidden = errors.New("operation forbidden for user")
)

// IsFatal reports whether err carries a kind that must terminate the query
// without retry. Transient transport failures and lock timeouts are
// recoverable by bounded retry; everything else is surfaced to the client.
func IsFatal(err error) bool {
	return errors.Is(err, ErrKilled) || errors.Is(err, ErrShutdown)
}
