package serialmux

import (
	"io"
)

// Porter is the minimal interface needed from a serial port. The
// abstraction enables unit testing without radio hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}
