package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerialPort opens the device at path with the given options. No hardware
// flow control is configured; the controller does not use RTS/CTS or DTR/DSR.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions, muxOpts ...Option) (*SerialMux[SerialPorter], error) {
	return NewSerialMuxFromOpener(OpenSerialPort, path, opts, muxOpts...)
}

// NewSerialMuxFromOpener opens path with open and wraps the port in a SerialMux.
func NewSerialMuxFromOpener(open SerialPortOpener, path string, opts PortOptions, muxOpts ...Option) (*SerialMux[SerialPorter], error) {
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port, muxOpts...), nil
}
