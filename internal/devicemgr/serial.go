package devicemgr

import (
	"os"

	"go.bug.st/serial"
)

// SerialFactory opens real serial ports via go.bug.st/serial.
type SerialFactory struct{}

// Open opens the serial device at path with the given options.
func (SerialFactory) Open(path string, opts *PortOptions) (Transport, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return port, nil
}

// Exists reports whether the device file is present. A vanished /dev node is
// how a USB unplug looks from userspace before any I/O error surfaces.
func (SerialFactory) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
