package modbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestTCPCodecEncode(t *testing.T) {
	codec := NewTCPCodec()
	req := Request{SlaveID: 0x11, Function: FuncReadHoldingRegisters, StartAddress: 0, Quantity: 1}

	frame, txID, err := codec.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if got := binary.BigEndian.Uint16(frame); got != txID {
		t.Errorf("header tx id = %d, want %d", got, txID)
	}
	if got := binary.BigEndian.Uint16(frame[2:]); got != 0 {
		t.Errorf("protocol id = %d, want 0", got)
	}
	if got := binary.BigEndian.Uint16(frame[4:]); got != 6 {
		t.Errorf("length = %d, want 6 (unit id + 5-byte PDU)", got)
	}
	if frame[6] != 0x11 {
		t.Errorf("unit id = %d, want 0x11", frame[6])
	}
	if !bytes.Equal(frame[7:], []byte{0x03, 0x00, 0x00, 0x00, 0x01}) {
		t.Errorf("PDU = % X", frame[7:])
	}
}

func TestTCPCodecTransactionIDIncrements(t *testing.T) {
	codec := NewTCPCodec()
	req := Request{SlaveID: 1, Function: FuncReadHoldingRegisters, Quantity: 1}

	_, first, err := codec.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := codec.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	if second != first+1 {
		t.Errorf("tx ids = %d, %d; want consecutive", first, second)
	}
}

func TestTCPCodecDecode(t *testing.T) {
	codec := NewTCPCodec()
	req := Request{SlaveID: 0x11, Function: FuncReadHoldingRegisters, StartAddress: 0, Quantity: 1}

	// Response: tx id 7, protocol 0, length 5, unit 0x11, PDU 03 02 00 2A.
	frame := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x11, 0x03, 0x02, 0x00, 0x2A}

	t.Run("Valid", func(t *testing.T) {
		result, err := codec.Decode(frame, req, 7)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if len(result.Registers) != 1 || result.Registers[0] != 0x002A {
			t.Errorf("Registers = %v, want [42]", result.Registers)
		}
	})

	t.Run("TransactionIDMismatch", func(t *testing.T) {
		if _, err := codec.Decode(frame, req, 8); !errors.Is(err, ErrTransactionID) {
			t.Errorf("Decode() error = %v, want ErrTransactionID", err)
		}
	})

	t.Run("BadProtocolID", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[2] = 0x01
		if _, err := codec.Decode(bad, req, 7); !errors.Is(err, ErrProtocolID) {
			t.Errorf("Decode() error = %v, want ErrProtocolID", err)
		}
	})

	t.Run("WrongUnitID", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[6] = 0x22
		if _, err := codec.Decode(bad, req, 7); err == nil {
			t.Error("Decode() accepted wrong unit id")
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		if _, err := codec.Decode(frame[:8], req, 7); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("Decode() error = %v, want ErrInvalidLength", err)
		}
	})
}

func TestRTUCodecEncode(t *testing.T) {
	codec := NewRTUCodec()
	req := Request{SlaveID: 0x11, Function: FuncReadHoldingRegisters, StartAddress: 0, Quantity: 1}

	frame, err := codec.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x01, 0x86, 0x9A}
	if !bytes.Equal(frame, want) {
		t.Errorf("Encode() = % X, want % X", frame, want)
	}
}

func TestRTUCodecDecode(t *testing.T) {
	codec := NewRTUCodec()
	req := Request{SlaveID: 0x11, Function: FuncReadHoldingRegisters, StartAddress: 0, Quantity: 1}

	t.Run("Valid", func(t *testing.T) {
		frame := []byte{0x11, 0x03, 0x02, 0x00, 0x2A, 0xF8, 0x58}
		result, err := codec.Decode(frame, req)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if len(result.Registers) != 1 || result.Registers[0] != 0x002A {
			t.Errorf("Registers = %v, want [42]", result.Registers)
		}
	})

	t.Run("Exception", func(t *testing.T) {
		frame := []byte{0x11, 0x83, 0x02, 0xC1, 0x34}
		_, err := codec.Decode(frame, req)
		var exc *ExceptionError
		if !errors.As(err, &exc) {
			t.Fatalf("Decode() error = %v, want *ExceptionError", err)
		}
		if exc.Code != ExceptionIllegalDataAddress {
			t.Errorf("Code = 0x%02X, want 0x02", exc.Code)
		}
	})

	t.Run("CorruptCRC", func(t *testing.T) {
		frame := []byte{0x11, 0x03, 0x02, 0x00, 0x2A, 0xF8, 0x59}
		if _, err := codec.Decode(frame, req); !errors.Is(err, ErrInvalidCRC) {
			t.Errorf("Decode() error = %v, want ErrInvalidCRC", err)
		}
	})

	t.Run("WrongSlave", func(t *testing.T) {
		other := Request{SlaveID: 0x12, Function: FuncReadHoldingRegisters, Quantity: 1}
		frame := []byte{0x11, 0x03, 0x02, 0x00, 0x2A, 0xF8, 0x58}
		if _, err := codec.Decode(frame, other); err == nil {
			t.Error("Decode() accepted frame for a different slave")
		}
	})
}

func TestRTUExpectedResponseLength(t *testing.T) {
	codec := NewRTUCodec()

	tests := []struct {
		name string
		req  Request
		want int
	}{
		{
			name: "ReadOneRegister",
			req:  Request{Function: FuncReadHoldingRegisters, Quantity: 1},
			want: 7,
		},
		{
			name: "ReadTenRegisters",
			req:  Request{Function: FuncReadInputRegisters, Quantity: 10},
			want: 25,
		},
		{
			name: "ReadTenCoils",
			req:  Request{Function: FuncReadCoils, Quantity: 10},
			want: 7,
		},
		{
			name: "ReadEightCoils",
			req:  Request{Function: FuncReadCoils, Quantity: 8},
			want: 6,
		},
		{
			name: "WriteSingleRegister",
			req:  Request{Function: FuncWriteSingleRegister, WriteValues: []uint16{1}},
			want: 8,
		},
		{
			name: "WriteMultipleCoils",
			req:  Request{Function: FuncWriteMultipleCoils, WriteCoils: []bool{true}},
			want: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codec.ExpectedResponseLength(tt.req); got != tt.want {
				t.Errorf("ExpectedResponseLength() = %d, want %d", got, tt.want)
			}
		})
	}
}
