// Package serial opens the port a board is attached to.
package serial

import (
	"io"

	"spiq/host/config"
)

// Port is a serial connection. The native implementation uses
// github.com/tarm/serial; tests and the simulator use in-memory ports.
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate; USB CDC ignores it
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns the default settings for device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100,
	}
}

// FromConfig takes the port settings from the host configuration
func FromConfig(c *config.Config) *Config {
	return &Config{
		Device:      c.Device,
		Baud:        c.Baud,
		ReadTimeout: c.ReadTimeoutMS,
	}
}
