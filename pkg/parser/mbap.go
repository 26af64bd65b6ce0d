package parser

import "encoding/binary"

// mbapHeaderLength is the fixed MBAP header size preceding the PDU.
const mbapHeaderLength = 7

// MBAPParser reassembles Modbus TCP frames from a byte stream using the
// MBAP length field: total frame size = 6 + length, where the 16-bit
// big-endian length at offset 4-5 counts the unit id plus the PDU. It
// tolerates any chunking, down to one byte per chunk.
type MBAPParser struct {
	maxFrame int
}

// NewMBAPParser creates an MBAP stream parser. maxFrame bounds a single
// frame; zero selects the protocol maximum.
func NewMBAPParser(maxFrame int) *MBAPParser {
	if maxFrame <= 0 {
		maxFrame = mbapHeaderLength + 253
	}
	return &MBAPParser{maxFrame: maxFrame}
}

// Parse slices one complete MBAP frame off the buffer.
func (p *MBAPParser) Parse(buffer []byte) (frame []byte, remaining []byte, err error) {
	if len(buffer) < mbapHeaderLength {
		return nil, buffer, ErrIncompleteFrame
	}

	length := int(binary.BigEndian.Uint16(buffer[4:6]))
	total := 6 + length
	if length == 0 || total > p.maxFrame {
		return nil, buffer, ErrInvalidFrame
	}
	if len(buffer) < total {
		return nil, buffer, ErrIncompleteFrame
	}

	frame = make([]byte, total)
	copy(frame, buffer[:total])
	return frame, buffer[total:], nil
}

// Reset implements Parser. The MBAP parser is stateless.
func (p *MBAPParser) Reset() {}
