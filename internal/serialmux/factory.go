package serialmux

import (
	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial device at path (typically an rfcomm node
// bound to the vehicle's Bluetooth SPP module) and wraps it in a SerialMux.
// Connect reopens the same device with the same options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	open := func() (serial.Port, error) {
		return serial.Open(path, mode)
	}
	port, err := open()
	if err != nil {
		return nil, err
	}

	mux := NewSerialMux[serial.Port](port)
	mux.SetOpener(open)
	return mux, nil
}
