package protocol

import "fmt"

// Frame is one 18-byte wire unit: length, padded payload, CRC8
type Frame struct {
	Length  uint8
	Payload [PayloadSize]byte
	CRC     uint8
}

// NewFrame builds a frame from a length field and up to PayloadSize bytes.
// The payload is right-padded with PadByte and the CRC is filled in.
func NewFrame(length uint8, data []byte) (Frame, error) {
	if len(data) > PayloadSize {
		return Frame{}, fmt.Errorf("%w: got %d", ErrPayloadTooLong, len(data))
	}

	f := Frame{Length: length}
	n := copy(f.Payload[:], data)
	for i := n; i < PayloadSize; i++ {
		f.Payload[i] = PadByte
	}
	f.CRC = f.ComputeCRC()

	return f, nil
}

// ControlFrame builds a single-byte frame carrying op
func ControlFrame(op Opcode) Frame {
	f, _ := NewFrame(1, []byte{byte(op)})
	return f
}

// Encode returns the wire bytes for a frame with the given length field and payload
func Encode(length uint8, data []byte) ([]byte, error) {
	f, err := NewFrame(length, data)
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}

// Decode splits raw bytes into a frame. The CRC is not checked.
func Decode(raw []byte) (Frame, error) {
	if len(raw) != FrameSize {
		return Frame{}, fmt.Errorf("%w: got %d", ErrFrameSize, len(raw))
	}

	var f Frame
	f.Length = raw[0]
	copy(f.Payload[:], raw[LengthSize:CRCIndex])
	f.CRC = raw[CRCIndex]

	return f, nil
}

// ComputeCRC calculates the CRC over the length byte and full payload
func (f Frame) ComputeCRC() uint8 {
	var buf [LengthSize + PayloadSize]byte
	buf[0] = f.Length
	copy(buf[LengthSize:], f.Payload[:])
	return CRC8(buf[:])
}

// Verify reports whether the stored CRC matches the frame content
func (f Frame) Verify() bool {
	return f.CRC == f.ComputeCRC()
}

// Bytes returns the 18 wire bytes
func (f Frame) Bytes() []byte {
	out := make([]byte, FrameSize)
	out[0] = f.Length
	copy(out[LengthSize:], f.Payload[:])
	out[CRCIndex] = f.CRC
	return out
}

// IsControl reports whether f is a single-byte frame carrying op with the
// remainder of the payload padded.
func (f Frame) IsControl(op Opcode) bool {
	got, ok := f.Opcode()
	return ok && got == op
}

// Opcode returns the opcode of a well-formed control frame
func (f Frame) Opcode() (Opcode, bool) {
	if f.Length != 1 {
		return 0, false
	}
	for _, b := range f.Payload[1:] {
		if b != PadByte {
			return 0, false
		}
	}
	return Opcode(f.Payload[0]), true
}

// Data returns the payload with trailing padding removed.
// Used for diagnostics only: real data may end in 0xFF.
func (f Frame) Data() []byte {
	n := PayloadSize
	for n > 0 && f.Payload[n-1] == PadByte {
		n--
	}
	return f.Payload[:n:n]
}

func (f Frame) String() string {
	if op, ok := f.Opcode(); ok {
		return fmt.Sprintf("%s(0x%02X)", op, byte(op))
	}
	return fmt.Sprintf("frame{len=%d data=% X crc=0x%02X}", f.Length, f.Data(), f.CRC)
}
