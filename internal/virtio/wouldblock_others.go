//go:build !unix

package virtio

import (
	"errors"
	"os"
)

func isWouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
