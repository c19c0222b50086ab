// Package omesherr defines the sentinel error kinds shared across the core
// packages. Callers match with errors.Is; wrap with fmt.Errorf("...: %w", …)
// to add context.
package omesherr

import "errors"

var (
	// ErrInvalidArg marks malformed input: bad magic/version, oversize
	// payload, a nil query, an unrecognised operation code.
	ErrInvalidArg = errors.New("omesh: invalid argument")

	// ErrIncomplete marks a buffer shorter than the frame it claims to hold;
	// the caller should accumulate more bytes and retry.
	ErrIncomplete = errors.New("omesh: incomplete frame")

	// ErrNotFound marks a missing query_id, ownership entry, or connection.
	ErrNotFound = errors.New("omesh: not found")

	// ErrExhausted marks a full connection pool, pending-query table, or
	// ownership table.
	ErrExhausted = errors.New("omesh: capacity exhausted")

	// ErrAgain marks a nonblocking operation that would have blocked.
	ErrAgain = errors.New("omesh: would block")

	// ErrIO wraps a passthrough syscall failure.
	ErrIO = errors.New("omesh: io error")

	// ErrReset marks a peer that closed the connection.
	ErrReset = errors.New("omesh: connection reset by peer")
)
