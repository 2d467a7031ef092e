//go:build !windows

package recorder

import (
	"errors"
	"syscall"
)

// isNoSpace reports whether err is an out-of-disk-space condition.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
