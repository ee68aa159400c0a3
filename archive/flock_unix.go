//go:build unix

package archive

import "golang.org/x/sys/unix"

// flockExclusive takes a non-blocking exclusive advisory lock on fd,
// enforcing single-writer-per-file at the OS level where the platform
// supports it.
func flockExclusive(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
}
