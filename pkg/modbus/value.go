package modbus

import (
	"fmt"
	"strconv"
)

// DataFormat selects how raw registers are interpreted.
type DataFormat int

const (
	FormatInt16 DataFormat = iota
	FormatUInt16
	FormatInt32
	FormatUInt32
	FormatFloat32
	FormatFloat64
	FormatHex
	FormatBinary
	FormatASCII
)

// RegisterCount returns the number of 16-bit registers one value of this
// format occupies.
func (f DataFormat) RegisterCount() int {
	switch f {
	case FormatInt32, FormatUInt32, FormatFloat32:
		return 2
	case FormatFloat64:
		return 4
	default:
		return 1
	}
}

func (f DataFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatUInt16:
		return "uint16"
	case FormatInt32:
		return "int32"
	case FormatUInt32:
		return "uint32"
	case FormatFloat32:
		return "float32"
	case FormatFloat64:
		return "float64"
	case FormatHex:
		return "hex"
	case FormatBinary:
		return "binary"
	case FormatASCII:
		return "ascii"
	default:
		return "unknown"
	}
}

// ParseDataFormat converts a configuration string to a DataFormat.
func ParseDataFormat(s string) (DataFormat, error) {
	switch s {
	case "int16":
		return FormatInt16, nil
	case "uint16":
		return FormatUInt16, nil
	case "int32":
		return FormatInt32, nil
	case "uint32":
		return FormatUInt32, nil
	case "float32":
		return FormatFloat32, nil
	case "float64":
		return FormatFloat64, nil
	case "hex":
		return FormatHex, nil
	case "binary":
		return FormatBinary, nil
	case "ascii":
		return FormatASCII, nil
	default:
		return 0, fmt.Errorf("unknown data format %q", s)
	}
}

// ByteOrder selects the byte/word permutation for multi-register values.
// Given registers yielding bytes A,B (first register hi/lo) and C,D
// (second register hi/lo), the 32-bit layouts are:
//
//	BigEndian        A B C D
//	LittleEndian     C D A B
//	BigEndianSwap    B A D C
//	LittleEndianSwap D C B A
//
// 64-bit values permute each 32-bit group the same way, then order the
// groups big-first or little-first.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
	BigEndianSwap
	LittleEndianSwap
)

func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "big"
	case LittleEndian:
		return "little"
	case BigEndianSwap:
		return "big-swap"
	case LittleEndianSwap:
		return "little-swap"
	default:
		return "unknown"
	}
}

// ParseByteOrder converts a configuration string to a ByteOrder.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "big", "abcd":
		return BigEndian, nil
	case "little", "cdab":
		return LittleEndian, nil
	case "big-swap", "badc":
		return BigEndianSwap, nil
	case "little-swap", "dcba":
		return LittleEndianSwap, nil
	default:
		return 0, fmt.Errorf("unknown byte order %q", s)
	}
}

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindInt16 ValueKind = iota
	KindUInt16
	KindInt32
	KindUInt32
	KindFloat32
	KindFloat64
	KindHex
	KindBinary
	KindASCII
)

// Value is one interpreted register group. Exactly one of the payload
// fields is meaningful, selected by Kind: Int for the signed kinds, Uint
// for the unsigned kinds, Float for the float kinds, Text for hex,
// binary and ascii.
type Value struct {
	Kind  ValueKind `json:"kind"`
	Int   int64     `json:"int,omitempty"`
	Uint  uint64    `json:"uint,omitempty"`
	Float float64   `json:"float,omitempty"`
	Text  string    `json:"text,omitempty"`
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt16, KindInt32:
		return strconv.FormatInt(v.Int, 10)
	case KindUInt16, KindUInt32:
		return strconv.FormatUint(v.Uint, 10)
	case KindFloat32:
		return strconv.FormatFloat(v.Float, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	default:
		return v.Text
	}
}
