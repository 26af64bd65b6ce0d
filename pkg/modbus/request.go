package modbus

import (
	"time"
)

// Quantity bounds per entity type.
const (
	MaxRegisterQuantity = 125
	MaxCoilQuantity     = 2000
)

// Request describes one Modbus exchange. It is an immutable value created
// by the caller; the engine never mutates a submitted request.
type Request struct {
	// SlaveID is the addressed device (1-247).
	SlaveID uint8 `json:"slave_id"`

	// Function is the operation to perform.
	Function FunctionCode `json:"function"`

	// StartAddress is the first coil/register address (0-65535).
	StartAddress uint16 `json:"start_address"`

	// Quantity is the number of coils/registers addressed.
	Quantity uint16 `json:"quantity"`

	// WriteAddress is the write-side start address for
	// ReadWriteMultipleRegisters; other functions ignore it.
	WriteAddress uint16 `json:"write_address,omitempty"`

	// WriteValues holds register values for register write functions.
	WriteValues []uint16 `json:"write_values,omitempty"`

	// WriteCoils holds coil states for coil write functions.
	WriteCoils []bool `json:"write_coils,omitempty"`

	// Format selects how response registers are interpreted.
	Format DataFormat `json:"format"`

	// Order selects the multi-register byte order.
	Order ByteOrder `json:"byte_order"`
}

// Validate checks the request against protocol limits.
func (r Request) Validate() error {
	if r.SlaveID < 1 || r.SlaveID > 247 {
		return ErrInvalidSlaveID
	}
	if !r.Function.IsSupported() {
		return ErrUnsupportedCode
	}
	if r.Function.IsWrite() {
		if r.Function.IsCoil() && len(r.WriteCoils) == 0 {
			return ErrMissingWriteValues
		}
		if !r.Function.IsCoil() && len(r.WriteValues) == 0 {
			return ErrMissingWriteValues
		}
	}
	// The register bound is enforced for reads; coil reads accept up to
	// the protocol maximum of 2000.
	if r.Function.IsRead() {
		max := uint16(MaxRegisterQuantity)
		if r.Function.IsCoil() {
			max = MaxCoilQuantity
		}
		if r.Quantity < 1 || r.Quantity > max {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// Response is the terminal outcome of one exchange. Exactly one Response
// is produced per submitted Request, success or not, and it is never
// mutated after the dispatcher resolves it.
type Response struct {
	// Success indicates the exchange completed and the device answered
	// without an exception.
	Success bool `json:"success"`

	// Registers holds the raw 16-bit values for register reads and the
	// echoed values for register writes. Non-nil whenever Success is true
	// and the function addresses registers.
	Registers []uint16 `json:"registers,omitempty"`

	// Coils holds the unpacked bits for coil functions, truncated to the
	// requested quantity.
	Coils []bool `json:"coils,omitempty"`

	// Values holds the typed interpretation of Registers per the request's
	// DataFormat and ByteOrder.
	Values []Value `json:"values,omitempty"`

	// ErrorMessage is the human-readable failure reason when Success is
	// false.
	ErrorMessage string `json:"error,omitempty"`

	// Exception is the Modbus exception code when the device rejected the
	// request; zero means no exception. A nonzero Exception implies
	// Success is false.
	Exception uint8 `json:"exception_code,omitempty"`

	// TxBytes and RxBytes are the raw frames of the final attempt, kept
	// for the audit collaborator.
	TxBytes []byte `json:"tx_bytes,omitempty"`
	RxBytes []byte `json:"rx_bytes,omitempty"`

	// Elapsed is the request-response latency of the final attempt.
	Elapsed time.Duration `json:"elapsed"`

	// Timestamp is when the response was resolved.
	Timestamp time.Time `json:"timestamp"`
}

// FailureResponse builds a failed Response with the given message.
func FailureResponse(msg string) Response {
	return Response{
		Success:      false,
		ErrorMessage: msg,
		Timestamp:    time.Now(),
	}
}
