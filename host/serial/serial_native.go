//go:build !wasm

package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// UARTPort is a bootloader link on a local serial device
type UARTPort struct {
	port *serial.Port
	cfg  Config
}

// Open configures the device for the bootloader and opens it
func Open(cfg *Config) (*UARTPort, error) {
	if cfg == nil {
		return nil, ErrNoConfig
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg, err)
	}

	return &UARTPort{port: port, cfg: *cfg}, nil
}

// Read returns (0, nil) when the read timeout passes with no data; tarm
// reports that case as io.EOF.
func (p *UARTPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (p *UARTPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *UARTPort) Close() error {
	return p.port.Close()
}

// Flush discards data received but not yet read
func (p *UARTPort) Flush() error {
	return p.port.Flush()
}

// Config returns the line settings the port was opened with
func (p *UARTPort) Config() Config {
	return p.cfg
}

var _ Port = (*UARTPort)(nil)
