package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens the device at path. Binaries use OpenSerialPort;
// tests substitute a pseudo-terminal or an in-memory port.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
