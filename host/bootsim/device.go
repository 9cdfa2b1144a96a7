// Package bootsim simulates the device side of the bootloader protocol.
//
// A Device behaves like the bootloader's packet layer and update state
// machine: it acknowledges every frame, asks for retransmission on CRC
// errors, and walks sync → update request → device ID → length → data →
// success. Faults can be injected at each step so the host side can be
// exercised without hardware.
package bootsim

import (
	"encoding/binary"
	"io"
	"sync"

	"fwflash/protocol"
)

// Step identifies a point of the update handshake
type Step int

const (
	StepNone Step = iota
	StepSync
	StepUpdateRequest
	StepDeviceID
	StepLength
	StepData
)

var stepNames = map[Step]string{
	StepNone:          "none",
	StepSync:          "sync",
	StepUpdateRequest: "update request",
	StepDeviceID:      "device id",
	StepLength:        "length",
	StepData:          "data",
}

func (s Step) String() string {
	return stepNames[s]
}

// Option configures a Device
type Option func(*Device)

// WithDeviceID sets the ID the device accepts
func WithDeviceID(id byte) Option {
	return func(d *Device) {
		d.deviceID = id
	}
}

// WithNackAt makes the device send NACK instead of answering at step
func WithNackAt(step Step) Option {
	return func(d *Device) {
		d.nackAt = step
	}
}

// WithSilenceAt makes the device stop answering once step is reached
func WithSilenceAt(step Step) Option {
	return func(d *Device) {
		d.silentAt = step
	}
}

// WithCorruptReplies corrupts the CRC of the first n handshake replies.
// FW_UPDATE_RES is never corrupted: it is followed by DEVICE_ID_REQ, which
// replaces it as the device's last sent frame before the host can ask for it.
func WithCorruptReplies(n int) Option {
	return func(d *Device) {
		d.corruptReplies = n
	}
}

// WithRetxRequests makes the device answer the first n data frames it
// receives with RETX instead of storing them
func WithRetxRequests(n int) Option {
	return func(d *Device) {
		d.retxRequests = n
	}
}

// WithReadChunk limits how many bytes a single host Read returns
func WithReadChunk(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.readChunk = n
		}
	}
}

// Device is an in-memory bootloader
type Device struct {
	mu    sync.Mutex
	step  Step
	done  bool
	nackd bool

	deviceID  byte
	length    uint32
	received  []byte
	lastSent  []byte
	hostWrite int
	frames    []protocol.Frame
	syncs     int

	nackAt         Step
	silentAt       Step
	corruptReplies int
	retxRequests   int
	readChunk      int

	rx      chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

// New creates a device waiting for the sync sequence
func New(opts ...Option) *Device {
	d := &Device{
		step:      StepSync,
		deviceID:  protocol.DeviceID,
		lastSent:  protocol.ControlFrame(protocol.OpAck).Bytes(),
		readChunk: 64,
		rx:        make(chan []byte, 4096),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Port returns the host end of the link
func (d *Device) Port() io.ReadWriteCloser {
	return devicePort{d}
}

// Received returns the firmware bytes stored so far
func (d *Device) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.received...)
}

// Length returns the firmware length announced by the host
func (d *Device) Length() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

// Done reports whether UPDATE_SUCCESSFUL was sent
func (d *Device) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// HostWrites returns the number of Write calls made by the host
func (d *Device) HostWrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostWrite
}

// HostFrames returns every valid frame the host sent, ACKs included
func (d *Device) HostFrames() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Frame(nil), d.frames...)
}

// SyncCount returns how many sync sequences the host wrote
func (d *Device) SyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// Emit sends a control frame to the host outside the handshake, such as
// a reply arriving after the host gave up waiting.
func (d *Device) Emit(op protocol.Opcode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.send(protocol.ControlFrame(op).Bytes())
}

// handle processes one host write
func (d *Device) handle(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hostWrite++
	if d.nackd {
		return
	}

	if len(data) == len(protocol.SyncSequence) && [4]byte(data) == protocol.SyncSequence {
		d.syncs++
		if d.step == StepSync && !d.at(StepSync) {
			d.step = StepUpdateRequest
			d.reply(protocol.OpSyncObserved)
		}
		return
	}

	for len(data) >= protocol.FrameSize {
		d.handleFrame(data[:protocol.FrameSize])
		data = data[protocol.FrameSize:]
	}
}

func (d *Device) handleFrame(raw []byte) {
	f, _ := protocol.Decode(raw)

	if !f.Verify() {
		d.send(protocol.ControlFrame(protocol.OpRetx).Bytes())
		return
	}
	d.frames = append(d.frames, f)

	if f.IsControl(protocol.OpRetx) {
		d.push(d.lastSent)
		return
	}
	if f.IsControl(protocol.OpAck) {
		return
	}

	if d.step == StepData && d.retxRequests > 0 {
		d.retxRequests--
		d.send(protocol.ControlFrame(protocol.OpRetx).Bytes())
		return
	}

	d.send(protocol.ControlFrame(protocol.OpAck).Bytes())

	switch d.step {
	case StepUpdateRequest:
		if !f.IsControl(protocol.OpFwUpdateReq) {
			d.nack()
			return
		}
		if d.at(StepUpdateRequest) {
			return
		}
		d.reply(protocol.OpFwUpdateRes)
		d.step = StepDeviceID
		if d.at(StepDeviceID) {
			return
		}
		d.reply(protocol.OpDeviceIDReq)

	case StepDeviceID:
		if f.Length != 2 || f.Payload[0] != byte(protocol.OpDeviceIDRes) || f.Payload[1] != d.deviceID {
			d.nack()
			return
		}
		d.step = StepLength
		if d.at(StepLength) {
			return
		}
		d.reply(protocol.OpFwLengthReq)

	case StepLength:
		if f.Length != 5 || f.Payload[0] != byte(protocol.OpFwLengthRes) {
			d.nack()
			return
		}
		d.length = binary.LittleEndian.Uint32(f.Payload[1:5])
		d.step = StepData
		if d.at(StepData) {
			return
		}
		d.reply(protocol.OpReadyForData)

	case StepData:
		n := int(f.Length) + 1
		if n > protocol.PayloadSize || uint32(len(d.received)+n) > d.length {
			d.nack()
			return
		}
		d.received = append(d.received, f.Payload[:n]...)
		if uint32(len(d.received)) == d.length {
			d.done = true
			d.step = StepNone
			d.reply(protocol.OpUpdateSuccessful)
			return
		}
		d.reply(protocol.OpReadyForData)

	default:
		d.nack()
	}
}

// at applies the configured faults for step and reports whether the normal
// reply must be suppressed.
func (d *Device) at(step Step) bool {
	if d.nackAt == step {
		d.nack()
		return true
	}
	return d.silentAt == step
}

func (d *Device) nack() {
	d.send(protocol.ControlFrame(protocol.OpNack).Bytes())
	d.nackd = true
}

// reply sends a handshake control frame, corrupting it on the wire if a
// corruption fault is pending. The clean copy is kept for retransmission.
func (d *Device) reply(op protocol.Opcode) {
	raw := protocol.ControlFrame(op).Bytes()
	d.lastSent = raw

	if d.corruptReplies > 0 && op != protocol.OpFwUpdateRes {
		d.corruptReplies--
		bad := append([]byte(nil), raw...)
		bad[protocol.CRCIndex] ^= 0xFF
		d.push(bad)
		return
	}
	d.push(raw)
}

func (d *Device) send(raw []byte) {
	d.lastSent = raw
	d.push(raw)
}

func (d *Device) push(raw []byte) {
	select {
	case d.rx <- append([]byte(nil), raw...):
	case <-d.closed:
	}
}

// devicePort is the host's view of the link
type devicePort struct {
	d *Device
}

func (p devicePort) Read(b []byte) (int, error) {
	d := p.d
	if len(d.pending) == 0 {
		select {
		case data := <-d.rx:
			d.pending = data
		case <-d.closed:
			return 0, io.EOF
		}
	}

	n := len(b)
	if n > d.readChunk {
		n = d.readChunk
	}
	n = copy(b[:n], d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (p devicePort) Write(b []byte) (int, error) {
	select {
	case <-p.d.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.d.handle(b)
	return len(b), nil
}

func (p devicePort) Close() error {
	p.d.once.Do(func() { close(p.d.closed) })
	return nil
}
