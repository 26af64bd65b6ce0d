package modbus

import (
	"encoding/binary"
	"fmt"
)

// payloadEncoders maps each supported function code to its PDU body
// builder (everything after the function code byte). The table is the
// single source of truth for which codes the engine speaks.
var payloadEncoders = map[FunctionCode]func(Request) ([]byte, error){
	FuncReadCoils:                  encodeReadBody,
	FuncReadDiscreteInputs:         encodeReadBody,
	FuncReadHoldingRegisters:       encodeReadBody,
	FuncReadInputRegisters:         encodeReadBody,
	FuncWriteSingleCoil:            encodeWriteSingleCoilBody,
	FuncWriteSingleRegister:        encodeWriteSingleRegisterBody,
	FuncWriteMultipleCoils:         encodeWriteMultipleCoilsBody,
	FuncWriteMultipleRegisters:     encodeWriteMultipleRegistersBody,
	FuncReadWriteMultipleRegisters: encodeReadWriteBody,
}

// BuildPDU constructs the transport-independent protocol data unit:
// function code followed by the function-specific body.
func BuildPDU(req Request) ([]byte, error) {
	encode, ok := payloadEncoders[req.Function]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedCode, uint8(req.Function))
	}
	body, err := encode(req)
	if err != nil {
		return nil, err
	}
	pdu := make([]byte, 0, 1+len(body))
	pdu = append(pdu, byte(req.Function))
	return append(pdu, body...), nil
}

func encodeReadBody(req Request) ([]byte, error) {
	max := uint16(MaxRegisterQuantity)
	if req.Function.IsCoil() {
		max = MaxCoilQuantity
	}
	if req.Quantity < 1 || req.Quantity > max {
		return nil, ErrInvalidQuantity
	}
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body, req.StartAddress)
	binary.BigEndian.PutUint16(body[2:], req.Quantity)
	return body, nil
}

func encodeWriteSingleCoilBody(req Request) ([]byte, error) {
	if len(req.WriteCoils) == 0 {
		return nil, ErrMissingWriteValues
	}
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body, req.StartAddress)
	if req.WriteCoils[0] {
		binary.BigEndian.PutUint16(body[2:], 0xFF00)
	}
	return body, nil
}

func encodeWriteSingleRegisterBody(req Request) ([]byte, error) {
	if len(req.WriteValues) == 0 {
		return nil, ErrMissingWriteValues
	}
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body, req.StartAddress)
	binary.BigEndian.PutUint16(body[2:], req.WriteValues[0])
	return body, nil
}

func encodeWriteMultipleCoilsBody(req Request) ([]byte, error) {
	if len(req.WriteCoils) == 0 {
		return nil, ErrMissingWriteValues
	}
	if len(req.WriteCoils) > MaxCoilQuantity {
		return nil, ErrInvalidQuantity
	}
	packed := PackBits(req.WriteCoils)
	body := make([]byte, 5, 5+len(packed))
	binary.BigEndian.PutUint16(body, req.StartAddress)
	binary.BigEndian.PutUint16(body[2:], uint16(len(req.WriteCoils)))
	body[4] = byte(len(packed))
	return append(body, packed...), nil
}

func encodeWriteMultipleRegistersBody(req Request) ([]byte, error) {
	if len(req.WriteValues) == 0 {
		return nil, ErrMissingWriteValues
	}
	if len(req.WriteValues) > MaxRegisterQuantity {
		return nil, ErrInvalidQuantity
	}
	body := make([]byte, 5, 5+2*len(req.WriteValues))
	binary.BigEndian.PutUint16(body, req.StartAddress)
	binary.BigEndian.PutUint16(body[2:], uint16(len(req.WriteValues)))
	body[4] = byte(2 * len(req.WriteValues))
	return append(body, registersToBytes(req.WriteValues)...), nil
}

func encodeReadWriteBody(req Request) ([]byte, error) {
	if len(req.WriteValues) == 0 {
		return nil, ErrMissingWriteValues
	}
	if req.Quantity < 1 || req.Quantity > MaxRegisterQuantity {
		return nil, ErrInvalidQuantity
	}
	body := make([]byte, 9, 9+2*len(req.WriteValues))
	binary.BigEndian.PutUint16(body, req.StartAddress)
	binary.BigEndian.PutUint16(body[2:], req.Quantity)
	binary.BigEndian.PutUint16(body[4:], req.WriteAddress)
	binary.BigEndian.PutUint16(body[6:], uint16(len(req.WriteValues)))
	body[8] = byte(2 * len(req.WriteValues))
	return append(body, registersToBytes(req.WriteValues)...), nil
}

// PDUResult is the structured content of a decoded response PDU.
type PDUResult struct {
	Function  FunctionCode
	Registers []uint16
	Coils     []bool

	// Echo is the unmodified body echoed by write functions.
	Echo []byte
}

// DecodePDU interprets a response PDU against the request that produced
// it. A set exception flag yields an *ExceptionError; read responses are
// checked against their declared byte count.
func DecodePDU(pdu []byte, req Request) (*PDUResult, error) {
	if len(pdu) < 2 {
		return nil, ErrInvalidLength
	}

	fc := FunctionCode(pdu[0])
	if uint8(fc)&exceptionFlag != 0 {
		return nil, &ExceptionError{
			Function: FunctionCode(uint8(fc) &^ exceptionFlag),
			Code:     pdu[1],
		}
	}
	if fc != req.Function {
		return nil, fmt.Errorf("unexpected function code 0x%02X in response to %s", uint8(fc), req.Function)
	}

	result := &PDUResult{Function: fc}

	if fc.IsRead() {
		byteCount := int(pdu[1])
		data := pdu[2:]
		if len(data) < byteCount {
			return nil, ErrIncompleteData
		}
		data = data[:byteCount]
		if fc.IsCoil() {
			result.Coils = UnpackBits(data, int(req.Quantity))
		} else {
			if byteCount%2 != 0 {
				return nil, ErrIncompleteData
			}
			result.Registers = bytesToRegisters(data)
		}
		return result, nil
	}

	// Write functions echo their request body.
	result.Echo = append([]byte(nil), pdu[1:]...)
	return result, nil
}

// PackBits packs coil states into bytes LSB-first, the Modbus bit order.
func PackBits(bits []bool) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// UnpackBits unpacks LSB-first coil bytes, truncated to quantity.
func UnpackBits(data []byte, quantity int) []bool {
	if max := len(data) * 8; quantity > max {
		quantity = max
	}
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}
