package modbus

import (
	"fmt"

	"github.com/commatea/ModScope/pkg/utils/crc"
)

// RTU frame sizes.
const (
	rtuOverhead = 4 // slave id + function code + crc16
	// RTUExceptionLength is the fixed size of an RTU exception reply.
	RTUExceptionLength = 5
	// MaxRTUFrameLength bounds one RTU frame: address + 253-byte PDU + crc.
	MaxRTUFrameLength = 256
)

// RTUCodec builds and parses RTU frames: slave id, PDU, CRC16 appended
// low byte first.
type RTUCodec struct{}

// NewRTUCodec creates an RTU frame codec.
func NewRTUCodec() *RTUCodec {
	return &RTUCodec{}
}

// Encode builds the RTU request frame for req.
func (c *RTUCodec) Encode(req Request) ([]byte, error) {
	pdu, err := BuildPDU(req)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, req.SlaveID)
	frame = append(frame, pdu...)
	return crc.AppendCRC16(frame), nil
}

// Decode validates the CRC and address and parses the contained PDU.
// A CRC mismatch is a malformed-response failure.
func (c *RTUCodec) Decode(frame []byte, req Request) (*PDUResult, error) {
	if len(frame) < rtuOverhead {
		return nil, ErrInvalidLength
	}
	if !crc.VerifyCRC16(frame) {
		return nil, ErrInvalidCRC
	}
	if frame[0] != req.SlaveID {
		return nil, fmt.Errorf("unexpected slave id %d in response to slave %d", frame[0], req.SlaveID)
	}
	return DecodePDU(frame[1:len(frame)-2], req)
}

// ExpectedResponseLength returns the full size of a normal (non-exception)
// response frame for req. RTU has no length field, so the reader relies
// on this to know when a frame is complete.
func (c *RTUCodec) ExpectedResponseLength(req Request) int {
	switch {
	case req.Function.IsRead() && req.Function.IsCoil():
		return 3 + int(req.Quantity+7)/8 + 2
	case req.Function.IsRead():
		return 3 + 2*int(req.Quantity) + 2
	default:
		// Write echoes: slave id, function, address, value/quantity, crc.
		return 8
	}
}
