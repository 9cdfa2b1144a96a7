// Package protocol implements the framed bootloader link protocol:
// fixed 18-byte frames protected by CRC8, ACK/RETX/NACK control frames,
// and the host side transport that pushes frames over a byte stream.
package protocol

import "time"

// Frame layout
const (
	LengthSize  = 1
	PayloadSize = 16
	CRCSize     = 1
	CRCIndex    = LengthSize + PayloadSize
	FrameSize   = LengthSize + PayloadSize + CRCSize

	// PadByte fills unused payload bytes
	PadByte = 0xFF
)

// Opcode is the first payload byte of a control frame
type Opcode byte

// Link level opcodes
const (
	OpAck  Opcode = 0x15
	OpRetx Opcode = 0x19
	OpNack Opcode = 0x59
)

// Bootloader handshake opcodes
const (
	OpSyncObserved     Opcode = 0x20
	OpFwUpdateReq      Opcode = 0x31
	OpFwUpdateRes      Opcode = 0x37
	OpDeviceIDReq      Opcode = 0x3C
	OpDeviceIDRes      Opcode = 0x3F
	OpFwLengthReq      Opcode = 0x42
	OpFwLengthRes      Opcode = 0x45
	OpReadyForData     Opcode = 0x48
	OpUpdateSuccessful Opcode = 0x54
)

// DeviceID is the identifier the host reports to the bootloader
const DeviceID = 0x42

// SyncSequence is written unframed until the bootloader answers with
// OpSyncObserved.
var SyncSequence = [4]byte{0xC4, 0x55, 0x7E, 0x10}

// Default timings
const (
	DefaultTimeout      = 10 * time.Second
	DefaultSyncInterval = 500 * time.Millisecond
)

var opcodeNames = map[Opcode]string{
	OpAck:              "ACK",
	OpRetx:             "RETX",
	OpNack:             "NACK",
	OpSyncObserved:     "SYNC_OBSERVED",
	OpFwUpdateReq:      "FW_UPDATE_REQ",
	OpFwUpdateRes:      "FW_UPDATE_RES",
	OpDeviceIDReq:      "DEVICE_ID_REQ",
	OpDeviceIDRes:      "DEVICE_ID_RES",
	OpFwLengthReq:      "FW_LENGTH_REQ",
	OpFwLengthRes:      "FW_LENGTH_RES",
	OpReadyForData:     "READY_FOR_DATA",
	OpUpdateSuccessful: "UPDATE_SUCCESSFUL",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}
