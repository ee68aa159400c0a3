// Package archive implements the top-level archive controller: it owns
// the backing seekable storage and the paged index, and exposes
// read/write/flush/close plus auto-partitioning of members whose writes
// overflow their reserved space.
package archive

import "errors"

var (
	// ErrAlreadyExists means CreateNew targeted a path that already has
	// a file on the backing filesystem.
	ErrAlreadyExists = errors.New("archive: already exists")

	// ErrNotFound means a member path has no entry in the index.
	ErrNotFound = errors.New("archive: member not found")

	// ErrIoFailure wraps a lower-level I/O problem encountered while
	// reading or writing the backing stream.
	ErrIoFailure = errors.New("archive: I/O failure")
)
