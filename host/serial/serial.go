// Package serial provides the byte-stream link to the bootloader.
package serial

import (
	"errors"
	"fmt"
	"io"
)

// ErrNoConfig is returned by Open without line settings
var ErrNoConfig = errors.New("serial: no line settings")

// Port is the raw byte stream the framed transport runs over.
// Frames may arrive split across reads; reads return (0, nil) when the
// line stays quiet for the read timeout.
type Port interface {
	io.ReadWriteCloser

	// Flush drops bytes the bootloader sent before the session started
	Flush() error
}

// Config is the line setup of the bootloader UART (8N1, no flow control)
type Config struct {
	// Device is the OS name of the port, /dev/ttyACM0 or COM3
	Device string

	// Baud must match the rate the bootloader was built with
	Baud int

	// ReadTimeout in milliseconds bounds each read so the reader can
	// notice Close. Zero blocks.
	ReadTimeout int
}

// Bootloader line defaults
const (
	DefaultDevice      = "/dev/ttyACM0"
	DefaultBaud        = 115200
	DefaultReadTimeout = 100
)

// DefaultConfig returns the bootloader line settings on device. An empty
// device selects DefaultDevice.
func DefaultConfig(device string) *Config {
	if device == "" {
		device = DefaultDevice
	}
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("%s@%d", c.Device, c.Baud)
}
