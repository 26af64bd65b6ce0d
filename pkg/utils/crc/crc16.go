// Package crc implements the CRC16 checksum used by Modbus RTU framing.
package crc

import "encoding/binary"

// CalculateCRC16 computes the Modbus CRC16 over data.
// Polynomial 0xA001 (reflected 0x8005), initial value 0xFFFF, LSB-first.
func CalculateCRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC16 returns data with its CRC16 appended low byte first.
// The low-first ordering is the RTU wire convention and must match
// what VerifyCRC16 expects.
func AppendCRC16(data []byte) []byte {
	frame := make([]byte, len(data)+2)
	copy(frame, data)
	binary.LittleEndian.PutUint16(frame[len(data):], CalculateCRC16(data))
	return frame
}

// VerifyCRC16 checks the trailing two bytes of frame against the CRC16
// of the preceding bytes. Frames shorter than 4 bytes never verify.
func VerifyCRC16(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	expected := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	return CalculateCRC16(frame[:len(frame)-2]) == expected
}
