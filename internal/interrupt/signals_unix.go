//go:build unix

package interrupt

import (
	"os"
	"syscall"
)

var watched = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGALRM}

func causeOf(sig os.Signal) error {
	if sig == syscall.SIGALRM {
		return ErrTimedOut
	}
	return ErrInterrupted
}
