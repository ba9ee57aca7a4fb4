package serialmux

import (
	"go.bug.st/serial"
)

// OpenReal creates a Mux backed by a real serial port at the given path.
func OpenReal(path string, opts PortOptions) (*Mux, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return New(port), nil
}
