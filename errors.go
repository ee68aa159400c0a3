package rawtar

import "errors"

// Sentinel errors for the conditions the header codec and index layers can
// raise. Wrap these with fmt.Errorf("...: %w", ...) for context; callers
// should match with errors.Is.
var (
	// ErrShortRead means the stream ended before a full 512-byte block
	// could be read during header parsing.
	ErrShortRead = errors.New("rawtar: short read")

	// ErrBadEncoding means a string field contained bytes that are not
	// valid UTF-8.
	ErrBadEncoding = errors.New("rawtar: invalid encoding")

	// ErrBadOctal means a numeric field contained non-octal digits.
	ErrBadOctal = errors.New("rawtar: invalid octal field")

	// ErrBadChecksum means the recomputed checksum did not match the
	// stored one. It is only raised for GNU long-name/long-link blocks;
	// other headers' checksums are parsed but not compared.
	ErrBadChecksum = errors.New("rawtar: checksum mismatch")
)
