package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name   string
		length uint8
		data   []byte
	}{
		{"empty payload", 0, nil},
		{"control", 1, []byte{byte(OpFwUpdateReq)}},
		{"device id", 2, []byte{byte(OpDeviceIDRes), DeviceID}},
		{"length response", 5, []byte{byte(OpFwLengthRes), 0x28, 0, 0, 0}},
		{"full chunk", 15, bytes.Repeat([]byte{0xA5}, PayloadSize)},
		{"one byte chunk", 0, []byte{0x7F}},
		{"data ending in pad", 3, []byte{0x01, 0xFF, 0xFF, 0xFF}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.length, tc.data)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(raw) != FrameSize {
				t.Fatalf("Encode() produced %d bytes, want %d", len(raw), FrameSize)
			}

			f, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if f.Length != tc.length {
				t.Errorf("Length = %d, want %d", f.Length, tc.length)
			}
			if !bytes.Equal(f.Payload[:len(tc.data)], tc.data) {
				t.Errorf("Payload prefix = % X, want % X", f.Payload[:len(tc.data)], tc.data)
			}
			for i := len(tc.data); i < PayloadSize; i++ {
				if f.Payload[i] != PadByte {
					t.Errorf("Payload[%d] = 0x%02X, want pad 0xFF", i, f.Payload[i])
				}
			}
			if !f.Verify() {
				t.Error("Verify() = false for freshly encoded frame")
			}
			if !bytes.Equal(f.Bytes(), raw) {
				t.Errorf("Bytes() = % X, want % X", f.Bytes(), raw)
			}
		})
	}
}

func TestEncodeCRCCoversLengthAndPadding(t *testing.T) {
	raw, err := Encode(2, []byte{0x10, 0x20})
	if err != nil {
		t.Fatal(err)
	}

	want := CRC8(raw[:CRCIndex])
	if raw[CRCIndex] != want {
		t.Errorf("CRC byte = 0x%02X, want 0x%02X", raw[CRCIndex], want)
	}
}

func TestEncodePayloadTooLong(t *testing.T) {
	_, err := Encode(16, make([]byte, PayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("Encode() error = %v, want ErrPayloadTooLong", err)
	}
}

func TestDecodeWrongSize(t *testing.T) {
	for _, n := range []int{0, 17, 19} {
		if _, err := Decode(make([]byte, n)); !errors.Is(err, ErrFrameSize) {
			t.Errorf("Decode(%d bytes) error = %v, want ErrFrameSize", n, err)
		}
	}
}

func TestVerifyDetectsSingleBitFlips(t *testing.T) {
	frames := []Frame{
		ControlFrame(OpReadyForData),
		mustFrame(t, 15, bytes.Repeat([]byte{0x00}, PayloadSize)),
		mustFrame(t, 4, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}),
	}

	for _, f := range frames {
		raw := f.Bytes()
		for bit := 0; bit < FrameSize*8; bit++ {
			corrupt := append([]byte(nil), raw...)
			corrupt[bit/8] ^= 1 << (bit % 8)

			g, err := Decode(corrupt)
			if err != nil {
				t.Fatal(err)
			}
			if g.Verify() {
				t.Errorf("%s: flipping bit %d was not detected", f, bit)
			}
		}
	}
}

func TestControlFrame(t *testing.T) {
	f := ControlFrame(OpNack)

	if f.Length != 1 || f.Payload[0] != byte(OpNack) {
		t.Fatalf("ControlFrame(NACK) = %v", f)
	}
	if !f.IsControl(OpNack) {
		t.Error("IsControl(NACK) = false")
	}
	if f.IsControl(OpAck) {
		t.Error("IsControl(ACK) = true for a NACK frame")
	}

	op, ok := f.Opcode()
	if !ok || op != OpNack {
		t.Errorf("Opcode() = %v, %v; want NACK, true", op, ok)
	}
}

func TestIsControlRequiresPadding(t *testing.T) {
	testCases := []struct {
		name string
		f    Frame
	}{
		{"length two", mustFrame(t, 2, []byte{byte(OpAck)})},
		{"trailing data", mustFrame(t, 1, []byte{byte(OpAck), 0x00})},
		{"one byte chunk", mustFrame(t, 0, []byte{byte(OpAck)})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.f.IsControl(OpAck) {
				t.Errorf("IsControl(ACK) = true for %v", tc.f)
			}
		})
	}
}

func TestFrameData(t *testing.T) {
	f := mustFrame(t, 2, []byte{0x01, 0x02})
	if got := f.Data(); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Errorf("Data() = % X, want 01 02", got)
	}
}

func TestOpcodeString(t *testing.T) {
	if got := OpFwLengthReq.String(); got != "FW_LENGTH_REQ" {
		t.Errorf("String() = %q", got)
	}
	if got := Opcode(0x01).String(); got != "UNKNOWN" {
		t.Errorf("String() = %q for unknown opcode", got)
	}
}

func mustFrame(t *testing.T, length uint8, data []byte) Frame {
	t.Helper()
	f, err := NewFrame(length, data)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	return f
}
