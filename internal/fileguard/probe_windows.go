//go:build windows

package fileguard

import (
	"errors"

	"golang.org/x/sys/windows"
)

// probe opens the file with a zero share mode, which fails with a sharing
// violation while any other handle to it is open.
func probe(path string) bool {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}

	h, err := windows.CreateFile(name, windows.GENERIC_READ, 0, nil,
		windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return errors.Is(err, windows.ERROR_FILE_NOT_FOUND) ||
			errors.Is(err, windows.ERROR_PATH_NOT_FOUND)
	}
	windows.CloseHandle(h)
	return true
}
