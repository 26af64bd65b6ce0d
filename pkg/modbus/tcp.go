package modbus

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// MBAP header layout.
const (
	MBAPHeaderLength = 7
	// MaxTCPFrameLength bounds one MBAP frame: header + 253-byte PDU.
	MaxTCPFrameLength = MBAPHeaderLength + 253
)

// TCPCodec builds and parses MBAP-encapsulated frames. The transaction
// id increments modulo 65536 per encoded request and must be echoed by
// the matching response.
type TCPCodec struct {
	transactionID uint32
}

// NewTCPCodec creates a TCP frame codec.
func NewTCPCodec() *TCPCodec {
	return &TCPCodec{}
}

// Encode wraps the request PDU in an MBAP header and returns the frame
// together with the transaction id the response must echo.
func (c *TCPCodec) Encode(req Request) ([]byte, uint16, error) {
	pdu, err := BuildPDU(req)
	if err != nil {
		return nil, 0, err
	}

	txID := uint16(atomic.AddUint32(&c.transactionID, 1))

	frame := make([]byte, MBAPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame, txID)
	// Protocol id bytes 2-3 stay zero.
	binary.BigEndian.PutUint16(frame[4:], uint16(len(pdu)+1))
	frame[6] = req.SlaveID
	copy(frame[MBAPHeaderLength:], pdu)

	return frame, txID, nil
}

// Decode validates the MBAP envelope and parses the contained PDU. A
// transaction id that does not match txID is a hard malformed-response
// failure; the exchange is not re-decoded against a later frame.
func (c *TCPCodec) Decode(frame []byte, req Request, txID uint16) (*PDUResult, error) {
	if len(frame) < MBAPHeaderLength+2 {
		return nil, ErrInvalidLength
	}
	if binary.BigEndian.Uint16(frame[2:]) != 0 {
		return nil, ErrProtocolID
	}
	if echoed := binary.BigEndian.Uint16(frame); echoed != txID {
		return nil, fmt.Errorf("%w: sent 0x%04X, got 0x%04X", ErrTransactionID, txID, echoed)
	}
	if unit := frame[6]; unit != req.SlaveID {
		return nil, fmt.Errorf("unexpected unit id %d in response to slave %d", unit, req.SlaveID)
	}
	declared := int(binary.BigEndian.Uint16(frame[4:]))
	if len(frame) < 6+declared {
		return nil, ErrIncompleteData
	}
	return DecodePDU(frame[MBAPHeaderLength:6+declared], req)
}
