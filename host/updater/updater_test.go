package updater

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"strconv"
	"testing"
	"time"

	"fwflash/protocol"
)

// scriptedLink answers every wait immediately and records what was sent
type scriptedLink struct {
	sent    []protocol.Frame
	waited  []protocol.Opcode
	syncs   int
	failOn  protocol.Opcode
	failErr error
}

func (l *scriptedLink) Sync(interval, timeout time.Duration) error {
	l.syncs++
	return nil
}

func (l *scriptedLink) Send(f protocol.Frame) error {
	l.sent = append(l.sent, f)
	return nil
}

func (l *scriptedLink) WaitForOpcode(op protocol.Opcode, timeout time.Duration) error {
	l.waited = append(l.waited, op)
	if l.failErr != nil && op == l.failOn {
		return l.failErr
	}
	return nil
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 1)
	}
	return img
}

func TestRunFortyByteImage(t *testing.T) {
	link := &scriptedLink{}
	image := testImage(40)

	if err := New(link, WithEraseDelay(0)).Run(image); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if link.syncs != 1 {
		t.Errorf("Sync called %d times, want 1", link.syncs)
	}

	wantWaits := []protocol.Opcode{
		protocol.OpFwUpdateRes,
		protocol.OpDeviceIDReq,
		protocol.OpFwLengthReq,
		protocol.OpReadyForData,
		protocol.OpReadyForData,
		protocol.OpReadyForData,
		protocol.OpUpdateSuccessful,
	}
	if !reflect.DeepEqual(link.waited, wantWaits) {
		t.Errorf("waited for %v, want %v", link.waited, wantWaits)
	}

	if len(link.sent) != 6 {
		t.Fatalf("sent %d frames, want 6", len(link.sent))
	}

	if !link.sent[0].IsControl(protocol.OpFwUpdateReq) {
		t.Errorf("frame 0 = %v, want FW_UPDATE_REQ", link.sent[0])
	}

	id := link.sent[1]
	if id.Length != 2 || id.Payload[0] != byte(protocol.OpDeviceIDRes) || id.Payload[1] != 0x42 {
		t.Errorf("device id frame = %v", id)
	}

	length := link.sent[2]
	if length.Length != 5 || !bytes.Equal(length.Payload[:5], []byte{0x45, 40, 0, 0, 0}) {
		t.Errorf("length frame = %v, want len 5 [45 28 00 00 00]", length)
	}

	wantLengths := []uint8{15, 15, 7}
	offset := 0
	for i, want := range wantLengths {
		f := link.sent[3+i]
		if f.Length != want {
			t.Errorf("chunk %d length field = %d, want %d", i, f.Length, want)
		}
		n := int(want) + 1
		if !bytes.Equal(f.Payload[:n], image[offset:offset+n]) {
			t.Errorf("chunk %d payload = % X, want % X", i, f.Payload[:n], image[offset:offset+n])
		}
		if !f.Verify() {
			t.Errorf("chunk %d has a bad CRC", i)
		}
		offset += n
	}

	last := link.sent[5]
	for i := 8; i < protocol.PayloadSize; i++ {
		if last.Payload[i] != protocol.PadByte {
			t.Errorf("last chunk payload[%d] = 0x%02X, want 0xFF", i, last.Payload[i])
		}
	}
}

func TestRunOneByteChunk(t *testing.T) {
	link := &scriptedLink{}

	if err := New(link, WithEraseDelay(0)).Run(testImage(17)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	last := link.sent[len(link.sent)-1]
	if last.Length != 0 {
		t.Errorf("single byte chunk length field = %d, want 0", last.Length)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	timeout := &protocol.TimeoutError{Operation: "wait for DEVICE_ID_REQ", Timeout: protocol.DefaultTimeout}
	link := &scriptedLink{failOn: protocol.OpDeviceIDReq, failErr: timeout}

	err := New(link, WithEraseDelay(0)).Run(testImage(40))
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}

	if len(link.sent) != 1 {
		t.Errorf("sent %d frames, want only FW_UPDATE_REQ", len(link.sent))
	}
	if last := link.waited[len(link.waited)-1]; last != protocol.OpDeviceIDReq {
		t.Errorf("last wait = %v, want DEVICE_ID_REQ", last)
	}
}

func TestRunWrapsProtocolViolation(t *testing.T) {
	violation := &protocol.ProtocolError{Operation: "wait for READY_FOR_DATA", Expected: protocol.OpReadyForData}
	link := &scriptedLink{failOn: protocol.OpReadyForData, failErr: violation}

	err := New(link, WithEraseDelay(0)).Run(testImage(20))
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("Run() error = %v, want ErrProtocolViolation", err)
	}

	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) || pe != violation {
		t.Errorf("errors.As did not reach the wrapped *ProtocolError")
	}
}

func TestProgressPhases(t *testing.T) {
	var phases []string
	var last Progress

	u := New(&scriptedLink{},
		WithEraseDelay(0),
		WithProgressCallback(func(p Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
			last = p
		}),
	)
	if err := u.Run(testImage(33)); err != nil {
		t.Fatal(err)
	}

	want := []string{
		PhaseSyncing, PhaseRequesting, PhaseIdentifying, PhaseSizing,
		PhaseErasing, PhaseTransferring, PhaseVerifying, PhaseComplete,
	}
	if !reflect.DeepEqual(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
	if last.BytesWritten != 33 || last.TotalBytes != 33 || last.Percentage != 100 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
	if cfg.SyncInterval != 500*time.Millisecond {
		t.Errorf("SyncInterval = %v, want 500ms", cfg.SyncInterval)
	}
	if cfg.DeviceID != 0x42 {
		t.Errorf("DeviceID = 0x%02X, want 0x42", cfg.DeviceID)
	}
	if cfg.EraseDelay != 3*time.Second {
		t.Errorf("EraseDelay = %v, want 3s", cfg.EraseDelay)
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	cfg := defaultConfig()
	for _, opt := range []Option{
		WithTimeout(0),
		WithSyncInterval(-time.Second),
		WithSyncTimeout(0),
		WithEraseDelay(-1),
	} {
		opt(&cfg)
	}

	if !reflect.DeepEqual(cfg, defaultConfig()) {
		t.Errorf("invalid option values changed the config: %+v", cfg)
	}
}

func TestNewNilLinkPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil) did not panic")
		}
	}()
	New(nil)
}

type logEntry struct {
	msg string
	kv  []interface{}
}

type recordingLogger struct {
	infos []logEntry
}

func (l *recordingLogger) Debug(string, ...interface{}) {}
func (l *recordingLogger) Error(string, ...interface{}) {}

func (l *recordingLogger) Info(msg string, keysAndValues ...interface{}) {
	l.infos = append(l.infos, logEntry{msg, keysAndValues})
}

func TestWaitForEraseLogsEachStep(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  []string
	}{
		{"none", 0, nil},
		{"whole steps", 3 * time.Millisecond, []string{"3ms", "2ms", "1ms"}},
		{"partial last step", 2500 * time.Microsecond, []string{"2.5ms", "1.5ms", "500µs"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &recordingLogger{}
			u := New(&scriptedLink{}, WithEraseDelay(tt.delay), WithLogger(logger))
			u.eraseStep = time.Millisecond

			start := time.Now()
			u.waitForErase()
			if elapsed := time.Since(start); elapsed < tt.delay {
				t.Errorf("waitForErase() returned after %v, want at least %v", elapsed, tt.delay)
			}

			if len(logger.infos) != len(tt.want) {
				t.Fatalf("logged %d lines, want %d: %v", len(logger.infos), len(tt.want), logger.infos)
			}
			for i, remaining := range tt.want {
				entry := logger.infos[i]
				if entry.msg != "waiting for main application to be erased" {
					t.Errorf("line %d = %q", i, entry.msg)
				}
				if want := []interface{}{"remaining", remaining}; !reflect.DeepEqual(entry.kv, want) {
					t.Errorf("line %d fields = %v, want %v", i, entry.kv, want)
				}
			}
		})
	}
}

func TestEraseStepDefault(t *testing.T) {
	if u := New(&scriptedLink{}); u.eraseStep != time.Second {
		t.Errorf("eraseStep = %v, want 1s", u.eraseStep)
	}
}

func TestImageLength(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("image lengths above 4 GiB need 64-bit ints")
	}
	maxLen := uint64(math.MaxUint32)

	tests := []struct {
		n       int
		want    uint32
		wantErr bool
	}{
		{0, 0, false},
		{40, 40, false},
		{int(maxLen), math.MaxUint32, false},
		{int(maxLen + 1), 0, true},
	}

	for _, tt := range tests {
		got, err := imageLength(tt.n)
		if (err != nil) != tt.wantErr {
			t.Errorf("imageLength(%d) error = %v, wantErr %v", tt.n, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrImageTooLarge) {
			t.Errorf("imageLength(%d) error = %v, want ErrImageTooLarge", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("imageLength(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}
