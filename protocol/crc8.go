package protocol

import "github.com/sigurn/crc8"

// crcTable uses CRC-8 (poly 0x07, init 0x00, no reflection, no final xor).
// This matches the bootloader's bitwise implementation.
var crcTable = crc8.MakeTable(crc8.CRC8)

// CRC8 calculates the checksum carried in the last byte of every frame
func CRC8(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}
