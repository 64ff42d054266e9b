// Package kverrors defines the error taxonomy shared by every KVLite
// package. Kinds are sentinel values marked onto wrapped causes via
// cockroachdb/errors so callers can errors.Is against a kind while the
// wrapped chain still carries the underlying I/O or parse failure for
// logging.
package kverrors

import (
	"github.com/cockroachdb/errors"
)

// Kind is one of the six error categories from the error handling design.
var (
	// NotFound is returned on the read path when a user key is absent
	// or its latest entry is a tombstone.
	NotFound = errors.New("kvlite: not found")

	// Corrupt marks CRC mismatches, footer magic mismatches, malformed
	// VersionEdits, and truncated records encountered mid-block.
	Corrupt = errors.New("kvlite: corrupt")

	// Io marks underlying filesystem failures.
	Io = errors.New("kvlite: io error")

	// Locked is returned by Open when the database directory's LOCK
	// file is already held by another process.
	Locked = errors.New("kvlite: locked")

	// InvalidArgument marks oversized keys/values and misconfigured
	// options.
	InvalidArgument = errors.New("kvlite: invalid argument")

	// Unsupported marks an unknown on-disk format version or
	// compression kind.
	Unsupported = errors.New("kvlite: unsupported")
)

// Wrap marks cause with kind and attaches msg as additional context.
func Wrap(kind error, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(cause, msg), kind)
}

// New creates a new error already marked with kind.
func New(kind error, msg string) error {
	return errors.Mark(errors.New(msg), kind)
}

// Newf creates a new formatted error already marked with kind.
func Newf(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Is reports whether err is marked with kind.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
