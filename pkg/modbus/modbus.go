// Package modbus implements the Modbus application protocol: PDU
// construction for the supported function codes, the TCP (MBAP) and RTU
// frame codecs, and typed register conversion.
package modbus

import (
	"errors"
	"fmt"
)

// FunctionCode identifies a Modbus operation.
type FunctionCode uint8

// Supported function codes.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// exceptionFlag marks an exception reply in the response function code.
const exceptionFlag = 0x80

// IsRead reports whether the function returns byte-count-prefixed data.
func (fc FunctionCode) IsRead() bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs,
		FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncReadWriteMultipleRegisters:
		return true
	}
	return false
}

// IsWrite reports whether the function carries values to the device.
func (fc FunctionCode) IsWrite() bool {
	switch fc {
	case FuncWriteSingleCoil, FuncWriteSingleRegister,
		FuncWriteMultipleCoils, FuncWriteMultipleRegisters,
		FuncReadWriteMultipleRegisters:
		return true
	}
	return false
}

// IsCoil reports whether the function addresses single-bit entities.
func (fc FunctionCode) IsCoil() bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs,
		FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return true
	}
	return false
}

// IsSupported reports whether fc is one of the nine supported codes.
func (fc FunctionCode) IsSupported() bool {
	_, ok := payloadEncoders[fc]
	return ok
}

func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		return fmt.Sprintf("Function(0x%02X)", uint8(fc))
	}
}

// Exception codes reported by a device.
const (
	ExceptionIllegalFunction        uint8 = 0x01
	ExceptionIllegalDataAddress     uint8 = 0x02
	ExceptionIllegalDataValue       uint8 = 0x03
	ExceptionSlaveDeviceFailure     uint8 = 0x04
	ExceptionAcknowledge            uint8 = 0x05
	ExceptionSlaveDeviceBusy        uint8 = 0x06
	ExceptionMemoryParityError      uint8 = 0x08
	ExceptionGatewayPathUnavailable uint8 = 0x0A
	ExceptionGatewayTargetFailed    uint8 = 0x0B
)

// ExceptionMessage returns the standard text for a Modbus exception code.
func ExceptionMessage(code uint8) string {
	switch code {
	case ExceptionIllegalFunction:
		return "Illegal Function"
	case ExceptionIllegalDataAddress:
		return "Illegal Data Address"
	case ExceptionIllegalDataValue:
		return "Illegal Data Value"
	case ExceptionSlaveDeviceFailure:
		return "Slave Device Failure"
	case ExceptionAcknowledge:
		return "Acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "Slave Device Busy"
	case ExceptionMemoryParityError:
		return "Memory Parity Error"
	case ExceptionGatewayPathUnavailable:
		return "Gateway Path Unavailable"
	case ExceptionGatewayTargetFailed:
		return "Gateway Target Device Failed to Respond"
	default:
		return fmt.Sprintf("Unknown Exception (0x%02X)", code)
	}
}

// ExceptionError is a device-reported rejection of a request. It is
// authoritative: the dispatcher never retries an exchange that ended in
// an ExceptionError.
type ExceptionError struct {
	Function FunctionCode
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X: %s", e.Code, ExceptionMessage(e.Code))
}

// Error definitions.
var (
	ErrInvalidLength      = errors.New("invalid frame length")
	ErrInvalidCRC         = errors.New("invalid crc")
	ErrTransactionID      = errors.New("transaction id mismatch")
	ErrProtocolID         = errors.New("invalid protocol id")
	ErrIncompleteData     = errors.New("Incomplete response data")
	ErrInvalidSlaveID     = errors.New("slave id out of range (1-247)")
	ErrInvalidQuantity    = errors.New("quantity out of range")
	ErrMissingWriteValues = errors.New("write request carries no values")
	ErrUnsupportedCode    = errors.New("unsupported function code")
)
