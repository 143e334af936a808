//go:build unix

package virtio

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// isWouldBlock reports whether err is a non-blocking stream saying
// "try again later". Deadline expiry from net/os streams counts too.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
