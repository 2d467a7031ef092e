//go:build windows

package recorder

import (
	"errors"
	"syscall"
)

// isNoSpace reports whether err is an out-of-disk-space condition.
func isNoSpace(err error) bool {
	const errDiskFull = syscall.Errno(112) // ERROR_DISK_FULL
	return errors.Is(err, errDiskFull)
}
