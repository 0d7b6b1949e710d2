package devicemgr

import (
	"io"
)

// Transport is the minimal interface for a device connection. Reads deliver
// whatever the firmware prints (acks, debug lines), writes carry ASCII
// command tokens. The real implementation is a serial port; tests use mocks.
type Transport interface {
	io.ReadWriteCloser
}

// Factory creates transports and answers whether the underlying device file
// is physically present. The presence check lets the manager notice a USB
// unplug that never produced a read error, and a replug while disconnected.
type Factory interface {
	// Open opens a transport to the device at the given path.
	Open(path string, opts *PortOptions) (Transport, error)

	// Exists reports whether the device at the given path is present.
	Exists(path string) bool
}
