// Package updater runs the bootloader update session on top of the framed
// link: sync, update request, device ID and length exchange, erase settle,
// chunked transfer and completion.
package updater

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"fwflash/protocol"
)

// ErrImageTooLarge is returned when the image length does not fit the
// 32-bit length field.
var ErrImageTooLarge = errors.New("image length does not fit in 32 bits")

// Link is the part of the transport the session needs
type Link interface {
	Sync(interval, timeout time.Duration) error
	Send(f protocol.Frame) error
	WaitForOpcode(op protocol.Opcode, timeout time.Duration) error
}

// Updater drives one firmware update session
type Updater struct {
	link   Link
	config Config
	start  time.Time

	// eraseStep is the interval between erase progress logs
	eraseStep time.Duration
}

// New creates an Updater over link
func New(link Link, opts ...Option) *Updater {
	if link == nil {
		panic("link cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Updater{
		link:      link,
		config:    cfg,
		eraseStep: time.Second,
	}
}

// Run pushes image to the bootloader. Any failure ends the session: the
// returned error wraps one of the protocol errors (ErrTimeout,
// ErrProtocolViolation, ErrPeerAbort) or a link write error.
func (u *Updater) Run(image []byte) error {
	length, err := imageLength(len(image))
	if err != nil {
		return err
	}

	u.start = time.Now()
	total := len(image)

	u.reportProgress(PhaseSyncing, 0, total)
	u.logInfo("attempting to sync with the bootloader")
	if err := u.link.Sync(u.config.SyncInterval, u.config.SyncTimeout); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	u.logInfo("synced")

	u.reportProgress(PhaseRequesting, 0, total)
	if err := u.requestUpdate(); err != nil {
		return fmt.Errorf("request update: %w", err)
	}
	u.logInfo("firmware update request accepted")

	u.reportProgress(PhaseIdentifying, 0, total)
	if err := u.sendDeviceID(); err != nil {
		return fmt.Errorf("device id: %w", err)
	}

	u.reportProgress(PhaseSizing, 0, total)
	if err := u.sendLength(length); err != nil {
		return fmt.Errorf("firmware length: %w", err)
	}

	u.reportProgress(PhaseErasing, 0, total)
	u.waitForErase()

	if err := u.transfer(image); err != nil {
		return err
	}

	u.reportProgress(PhaseVerifying, total, total)
	if err := u.link.WaitForOpcode(protocol.OpUpdateSuccessful, u.config.Timeout); err != nil {
		return fmt.Errorf("completion: %w", err)
	}

	u.reportProgress(PhaseComplete, total, total)
	u.logInfo("firmware update complete",
		"bytes", total,
		"elapsed", time.Since(u.start).String(),
	)

	return nil
}

// imageLength converts n to the 32-bit length sent in FW_LENGTH_RES
func imageLength(n int) (uint32, error) {
	if uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, n)
	}
	return uint32(n), nil
}

func (u *Updater) requestUpdate() error {
	u.logInfo("requesting firmware update")
	if err := u.link.Send(protocol.ControlFrame(protocol.OpFwUpdateReq)); err != nil {
		return err
	}
	return u.link.WaitForOpcode(protocol.OpFwUpdateRes, u.config.Timeout)
}

func (u *Updater) sendDeviceID() error {
	u.logInfo("waiting for device ID request")
	if err := u.link.WaitForOpcode(protocol.OpDeviceIDReq, u.config.Timeout); err != nil {
		return err
	}

	frame, err := protocol.NewFrame(2, []byte{byte(protocol.OpDeviceIDRes), u.config.DeviceID})
	if err != nil {
		return err
	}

	u.logInfo("responding with device ID", "device_id", fmt.Sprintf("0x%02X", u.config.DeviceID))
	return u.link.Send(frame)
}

func (u *Updater) sendLength(length uint32) error {
	u.logInfo("waiting for firmware length request")
	if err := u.link.WaitForOpcode(protocol.OpFwLengthReq, u.config.Timeout); err != nil {
		return err
	}

	var payload [5]byte
	payload[0] = byte(protocol.OpFwLengthRes)
	binary.LittleEndian.PutUint32(payload[1:], length)

	frame, err := protocol.NewFrame(uint8(len(payload)), payload[:])
	if err != nil {
		return err
	}

	u.logInfo("responding with firmware length", "length", length)
	return u.link.Send(frame)
}

// waitForErase gives the device time to erase its application region.
// No frames are exchanged.
func (u *Updater) waitForErase() {
	remaining := u.config.EraseDelay
	for remaining > 0 {
		step := min(remaining, u.eraseStep)
		u.logInfo("waiting for main application to be erased", "remaining", remaining.String())
		time.Sleep(step)
		remaining -= step
	}
}

// transfer sends the image in chunks of up to PayloadSize bytes, one per
// READY_FOR_DATA. The length field carries the chunk size minus one.
func (u *Updater) transfer(image []byte) error {
	total := len(image)
	written := 0

	for written < total {
		if err := u.link.WaitForOpcode(protocol.OpReadyForData, u.config.Timeout); err != nil {
			return fmt.Errorf("transfer at offset %d: %w", written, err)
		}

		end := min(written+protocol.PayloadSize, total)
		chunk := image[written:end]

		frame, err := protocol.NewFrame(uint8(len(chunk)-1), chunk)
		if err != nil {
			return fmt.Errorf("transfer at offset %d: %w", written, err)
		}
		if err := u.link.Send(frame); err != nil {
			return fmt.Errorf("transfer at offset %d: %w", written, err)
		}
		written = end

		u.logDebug("wrote chunk", "bytes", len(chunk), "written", written, "total", total)
		u.reportProgress(PhaseTransferring, written, total)
	}

	return nil
}

// reportProgress calls the progress callback if configured.
func (u *Updater) reportProgress(phase string, written, total int) {
	if u.config.ProgressCallback == nil {
		return
	}

	percentage := 100.0
	if total > 0 {
		percentage = float64(written) / float64(total) * 100
	}
	u.config.ProgressCallback(Progress{
		Phase:        phase,
		BytesWritten: written,
		TotalBytes:   total,
		Percentage:   percentage,
		ElapsedTime:  time.Since(u.start),
	})
}

func (u *Updater) logDebug(msg string, keysAndValues ...interface{}) {
	if u.config.Logger != nil {
		u.config.Logger.Debug(msg, keysAndValues...)
	}
}

func (u *Updater) logInfo(msg string, keysAndValues ...interface{}) {
	if u.config.Logger != nil {
		u.config.Logger.Info(msg, keysAndValues...)
	}
}
