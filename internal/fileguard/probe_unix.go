//go:build !windows

package fileguard

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// probe takes and immediately releases a non-blocking exclusive flock.
// Only processes that flock the file themselves are detected; plain readers
// and writers are not visible on Unix.
func probe(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	unix.Flock(fd, unix.LOCK_UN)
	return true
}
