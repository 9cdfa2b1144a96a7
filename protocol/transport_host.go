package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Stats counts link level activity
type Stats struct {
	FramesSent      uint64
	FramesReceived  uint64
	Retransmissions uint64
	CRCErrors       uint64
}

// TransportOption configures a HostTransport
type TransportOption func(*HostTransport)

// WithLogger sets the logger used for link level events
func WithLogger(logger Logger) TransportOption {
	return func(t *HostTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// HostTransport drives the framed link from the host side.
// A background reader feeds the Deframer; the session goroutine sends
// frames and waits on the application queue.
type HostTransport struct {
	// Serial I/O
	port   io.ReadWriteCloser
	logger Logger

	// mu guards the deframer, queue and terminal state
	mu       sync.Mutex
	deframer *Deframer
	queue    []Frame
	aborted  bool
	closed   bool
	failed   error
	notify   chan struct{}

	// writeMutex guards port writes and the last sent frame
	writeMutex sync.Mutex
	lastSent   []byte
	stats      Stats

	// Stop channel for graceful shutdown
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
	reading   bool
}

// NewHostTransport creates a transport over port and starts reading from it
func NewHostTransport(port io.ReadWriteCloser, opts ...TransportOption) *HostTransport {
	t := newHostTransport(port, opts...)
	t.reading = true
	go t.readLoop()
	return t
}

func newHostTransport(port io.ReadWriteCloser, opts ...TransportOption) *HostTransport {
	t := &HostTransport{
		port:     port,
		logger:   nopLogger{},
		lastSent: ControlFrame(OpAck).Bytes(),
		notify:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	t.deframer = NewDeframer(sink{t})

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ingest is the append callback for newly arrived link bytes. Every
// complete frame is handled before Ingest returns. Once the link has
// failed, arriving bytes are dropped unanswered.
func (t *HostTransport) Ingest(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.failed != nil {
		return
	}
	t.deframer.Append(data)
}

// Send writes a frame and records it for retransmission
func (t *HostTransport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.terminalErr(); err != nil {
		return err
	}
	return t.writeFrame(f.Bytes())
}

// SendControl sends a single-byte control frame
func (t *HostTransport) SendControl(op Opcode) error {
	return t.Send(ControlFrame(op))
}

// Retransmit replays the last sent frame unchanged. The reader does this
// by itself when the bootloader sends RETX.
func (t *HostTransport) Retransmit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.terminalErr(); err != nil {
		return err
	}
	return t.replay()
}

// Sync writes the sync sequence every interval until the bootloader
// answers with SYNC_OBSERVED. Any other frame is a protocol violation.
func (t *HostTransport) Sync(interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var waited time.Duration
	for {
		if err := t.writeSync(); err != nil {
			return err
		}

		select {
		case <-time.After(interval):
		case <-t.stopChan:
			return ErrTransportClosed
		}
		waited += interval

		t.mu.Lock()
		if err := t.terminalErr(); err != nil {
			t.mu.Unlock()
			return err
		}
		if len(t.queue) > 0 {
			frame := t.popLocked()
			if frame.IsControl(OpSyncObserved) {
				t.mu.Unlock()
				return nil
			}
			err := t.failLocked(t.protocolErrorLocked("sync", OpSyncObserved, frame))
			t.mu.Unlock()
			return err
		}
		t.mu.Unlock()

		if waited >= timeout {
			return t.fail(t.timeoutError("sync", timeout))
		}
	}
}

// WaitForFrame blocks until a frame is queued and returns the oldest one.
// A non-positive timeout selects DefaultTimeout.
func (t *HostTransport) WaitForFrame(timeout time.Duration) (Frame, error) {
	return t.waitForFrame("wait for frame", timeout)
}

func (t *HostTransport) waitForFrame(op string, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if err := t.terminalErr(); err != nil {
			t.mu.Unlock()
			return Frame{}, err
		}
		if len(t.queue) > 0 {
			frame := t.popLocked()
			t.mu.Unlock()
			return frame, nil
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-deadline.C:
			return Frame{}, t.fail(t.timeoutError(op, timeout))
		case <-t.stopChan:
			return Frame{}, ErrTransportClosed
		}
	}
}

// WaitForOpcode waits for the next frame and requires it to be the
// control frame carrying op.
func (t *HostTransport) WaitForOpcode(op Opcode, timeout time.Duration) error {
	name := fmt.Sprintf("wait for %s", op)

	frame, err := t.waitForFrame(name, timeout)
	if err != nil {
		return err
	}
	if !frame.IsControl(op) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.failLocked(t.protocolErrorLocked(name, op, frame))
	}
	return nil
}

// Pending returns the raw bytes received but not yet framed
func (t *HostTransport) Pending() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deframer.Pending()
}

// Queued returns a copy of the frames waiting in the application queue
func (t *HostTransport) Queued() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.queue...)
}

// LastSent returns a copy of the bytes that a RETX would replay
func (t *HostTransport) LastSent() []byte {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	return append([]byte(nil), t.lastSent...)
}

// Stats returns a snapshot of the link counters
func (t *HostTransport) Stats() Stats {
	t.mu.Lock()
	crcErrors, received := t.deframer.crcErrors, t.deframer.received
	t.mu.Unlock()

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	s := t.stats
	s.CRCErrors = crcErrors
	s.FramesReceived = received
	return s
}

// Close stops the reader, closes the port and wakes any waiter
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		if t.reading {
			<-t.doneChan
		}
	})
	return err
}

// readLoop continuously reads from the port and feeds the deframer
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.Ingest(buffer[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-t.stopChan:
				return
			default:
			}
			t.logger.Debug("serial read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// terminalErr must be called with mu held
func (t *HostTransport) terminalErr() error {
	if t.aborted {
		return ErrPeerAbort
	}
	if t.closed {
		return ErrTransportClosed
	}
	if t.failed != nil {
		return fmt.Errorf("link stopped: %w", t.failed)
	}
	return nil
}

// fail stops the link after a fatal error and returns err
func (t *HostTransport) fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failLocked(err)
}

// failLocked must be called with mu held
func (t *HostTransport) failLocked(err error) error {
	if IsFatal(err) && t.failed == nil {
		t.failed = err
		t.logger.Error("link failed, no further frames will be answered", "error", err)
		t.signal()
	}
	return err
}

func (t *HostTransport) popLocked() Frame {
	frame := t.queue[0]
	t.queue = t.queue[1:]
	return frame
}

func (t *HostTransport) protocolErrorLocked(op string, expected Opcode, got Frame) error {
	return &ProtocolError{
		Operation: op,
		Expected:  expected,
		Received:  got,
		Pending:   t.deframer.Pending(),
		Queued:    append([]Frame(nil), t.queue...),
	}
}

func (t *HostTransport) timeoutError(op string, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &TimeoutError{
		Operation: op,
		Timeout:   timeout,
		Pending:   t.deframer.Pending(),
		Queued:    append([]Frame(nil), t.queue...),
	}
}

func (t *HostTransport) writeSync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.terminalErr(); err != nil {
		return err
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	return t.write(SyncSequence[:])
}

// writeFrame writes raw frame bytes and makes them the retransmit candidate
func (t *HostTransport) writeFrame(raw []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	t.lastSent = raw
	t.stats.FramesSent++
	return t.write(raw)
}

func (t *HostTransport) replay() error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	t.logger.Info("retransmitting last frame")
	t.stats.Retransmissions++
	return t.write(t.lastSent)
}

// write must be called with writeMutex held
func (t *HostTransport) write(data []byte) error {
	n, err := t.port.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to port: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(data))
	}
	return nil
}

// signal wakes a waiter without blocking
func (t *HostTransport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// sink adapts the transport to the deframer. Every method runs inside
// Ingest with mu held.
type sink struct {
	t *HostTransport
}

func (s sink) deliver(f Frame) {
	s.t.queue = append(s.t.queue, f)
	s.t.signal()
}

func (s sink) sendControl(op Opcode) {
	if err := s.t.writeFrame(ControlFrame(op).Bytes()); err != nil {
		s.t.logger.Error("failed to send control frame", "opcode", op.String(), "error", err)
	}
}

func (s sink) reject(err *FramingError) {
	s.t.logger.Debug("requesting retransmission", "error", err)
	s.sendControl(OpRetx)
}

func (s sink) retransmit() {
	if err := s.t.replay(); err != nil {
		s.t.logger.Error("failed to retransmit", "error", err)
	}
}

func (s sink) abort() {
	s.t.aborted = true
	s.t.logger.Error("received NACK, aborting")
	s.t.signal()
}
