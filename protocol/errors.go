package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrFraming marks a received frame whose CRC did not match. The
	// transport recovers by requesting a retransmission.
	ErrFraming = errors.New("frame CRC mismatch")

	// ErrProtocolViolation is returned when a frame other than the expected
	// one arrives.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout is returned when no qualifying frame arrives in time.
	ErrTimeout = errors.New("timed out waiting for frame")

	// ErrPeerAbort is returned once the bootloader has sent NACK.
	ErrPeerAbort = errors.New("bootloader sent NACK")

	// ErrTransportClosed is returned by operations on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	ErrPayloadTooLong = fmt.Errorf("payload exceeds %d bytes", PayloadSize)
	ErrFrameSize      = fmt.Errorf("frame must be exactly %d bytes", FrameSize)
)

// ProtocolError carries the diagnostic state at the moment an unexpected
// frame was received.
type ProtocolError struct {
	// Operation is the step that was waiting
	Operation string

	// Expected opcode, if the wait was for a control frame
	Expected Opcode

	// Received is the offending frame
	Received Frame

	// Pending holds raw bytes not yet assembled into a frame
	Pending []byte

	// Queued holds frames still waiting in the application queue
	Queued []Frame
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: expected %s (0x%02X), received %s",
		e.Operation, e.Expected, byte(e.Expected), e.Received)
	fmt.Fprintf(&b, "; pending=% X", e.Pending)
	if len(e.Queued) > 0 {
		b.WriteString("; queued=[")
		for i, f := range e.Queued {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(f.String())
		}
		b.WriteString("]")
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// FramingError describes a frame rejected for a bad CRC
type FramingError struct {
	Received Frame
	Computed uint8
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%v: crc 0x%02X, computed 0x%02X in %s",
		ErrFraming, e.Received.CRC, e.Computed, e.Received)
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}

// TimeoutError reports a wait that expired.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Pending   []byte
	Queued    []Frame
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no frame after %v (pending=% X, queued=%d)",
		e.Operation, e.Timeout, e.Pending, len(e.Queued))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// IsFatal reports whether err must end the update session. Only framing
// errors are recoverable.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrFraming)
}
