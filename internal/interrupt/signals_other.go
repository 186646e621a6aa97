//go:build !unix

package interrupt

import "os"

var watched = []os.Signal{os.Interrupt}

func causeOf(os.Signal) error {
	return ErrInterrupted
}
