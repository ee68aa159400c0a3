//go:build !unix

package archive

// flockExclusive is a no-op where flock(2) is unavailable; the lock is
// advisory and best-effort on every platform.
func flockExclusive(uintptr) error { return nil }
