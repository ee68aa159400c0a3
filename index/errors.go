// Package index implements the paged record index layered on top of the
// TAR container: a chain of fixed-size pages, each a TAR member whose
// payload holds a 51-row record table mapping member paths to their
// archive offsets, sizes, and multipart linkage.
package index

import "errors"

var (
	// ErrCorruptPage means a page's record-table header is invalid or its
	// row count differs from RecordCount.
	ErrCorruptPage = errors.New("index: corrupt page")

	// ErrCorruptIndex means the page chain points nowhere, loops, or a
	// page header is not a regular file of exactly PageSize bytes.
	ErrCorruptIndex = errors.New("index: corrupt index")

	// ErrDuplicate means an append targeted a path that already exists.
	ErrDuplicate = errors.New("index: duplicate path")

	// ErrOutOfBounds means an index-space operation referenced a slot
	// that does not exist.
	ErrOutOfBounds = errors.New("index: out of bounds")
)
