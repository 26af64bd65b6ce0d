package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// permuteBytes reorders a 4- or 8-byte group between register layout and
// numeric big-endian layout. Every supported permutation is its own
// inverse, so the same call serves decode and encode.
func permuteBytes(buf []byte, order ByteOrder) []byte {
	out := make([]byte, len(buf))
	switch len(buf) {
	case 4:
		switch order {
		case BigEndian:
			copy(out, buf)
		case LittleEndian:
			out[0], out[1], out[2], out[3] = buf[2], buf[3], buf[0], buf[1]
		case BigEndianSwap:
			out[0], out[1], out[2], out[3] = buf[1], buf[0], buf[3], buf[2]
		case LittleEndianSwap:
			out[0], out[1], out[2], out[3] = buf[3], buf[2], buf[1], buf[0]
		}
	case 8:
		g1 := permuteBytes(buf[:4], order)
		g2 := permuteBytes(buf[4:], order)
		switch order {
		case BigEndian, BigEndianSwap:
			copy(out, g1)
			copy(out[4:], g2)
		case LittleEndian, LittleEndianSwap:
			copy(out, g2)
			copy(out[4:], g1)
		}
	default:
		copy(out, buf)
	}
	return out
}

// registersToBytes lays out registers big-endian, two bytes each.
func registersToBytes(regs []uint16) []byte {
	buf := make([]byte, 2*len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(buf[2*i:], r)
	}
	return buf
}

// bytesToRegisters packs consecutive byte pairs big-endian.
func bytesToRegisters(buf []byte) []uint16 {
	regs := make([]uint16, len(buf)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(buf[2*i:])
	}
	return regs
}

// ConvertRegisters interprets raw registers as typed values per format
// and byte order. Multi-register formats are decoded in groups of
// Format.RegisterCount(); hex and binary yield one textual value per
// register, ascii concatenates every register's high and low byte into a
// single string filtered to printable ASCII (32-126).
func ConvertRegisters(regs []uint16, format DataFormat, order ByteOrder) ([]Value, error) {
	step := format.RegisterCount()
	if len(regs) < step {
		return nil, fmt.Errorf("need %d registers for %s, have %d", step, format, len(regs))
	}

	if format == FormatASCII {
		var sb strings.Builder
		for _, r := range regs {
			for _, b := range []byte{byte(r >> 8), byte(r)} {
				if b >= 32 && b <= 126 {
					sb.WriteByte(b)
				}
			}
		}
		return []Value{{Kind: KindASCII, Text: sb.String()}}, nil
	}

	var values []Value
	for i := 0; i+step <= len(regs); i += step {
		group := regs[i : i+step]
		switch format {
		case FormatInt16:
			values = append(values, Value{Kind: KindInt16, Int: int64(int16(group[0]))})
		case FormatUInt16:
			values = append(values, Value{Kind: KindUInt16, Uint: uint64(group[0])})
		case FormatHex:
			values = append(values, Value{Kind: KindHex, Text: fmt.Sprintf("0x%04X", group[0])})
		case FormatBinary:
			values = append(values, Value{Kind: KindBinary, Text: fmt.Sprintf("%016b", group[0])})
		case FormatInt32:
			b := permuteBytes(registersToBytes(group), order)
			values = append(values, Value{Kind: KindInt32, Int: int64(int32(binary.BigEndian.Uint32(b)))})
		case FormatUInt32:
			b := permuteBytes(registersToBytes(group), order)
			values = append(values, Value{Kind: KindUInt32, Uint: uint64(binary.BigEndian.Uint32(b))})
		case FormatFloat32:
			b := permuteBytes(registersToBytes(group), order)
			f := math.Float32frombits(binary.BigEndian.Uint32(b))
			values = append(values, Value{Kind: KindFloat32, Float: float64(f)})
		case FormatFloat64:
			b := permuteBytes(registersToBytes(group), order)
			f := math.Float64frombits(binary.BigEndian.Uint64(b))
			values = append(values, Value{Kind: KindFloat64, Float: f})
		default:
			return nil, fmt.Errorf("unknown data format %d", format)
		}
	}
	return values, nil
}

// ValueToRegisters is the inverse of ConvertRegisters for a single value,
// used to build write requests. The value's Kind selects the encoding;
// negative integers are masked to their two's-complement register form.
func ValueToRegisters(v Value, order ByteOrder) ([]uint16, error) {
	switch v.Kind {
	case KindInt16:
		return []uint16{uint16(int16(v.Int))}, nil
	case KindUInt16:
		return []uint16{uint16(v.Uint)}, nil
	case KindHex, KindBinary:
		base, name := 16, "hex"
		text := strings.TrimPrefix(v.Text, "0x")
		if v.Kind == KindBinary {
			base, name = 2, "binary"
			text = v.Text
		}
		raw, err := strconv.ParseUint(text, base, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid %s register value %q: %w", name, v.Text, err)
		}
		return []uint16{uint16(raw)}, nil
	case KindASCII:
		// Two characters per register, high byte first, zero padded.
		text := v.Text
		if len(text)%2 != 0 {
			text += "\x00"
		}
		regs := make([]uint16, 0, len(text)/2)
		for i := 0; i < len(text); i += 2 {
			regs = append(regs, uint16(text[i])<<8|uint16(text[i+1]))
		}
		return regs, nil
	case KindInt32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(v.Int)))
		return bytesToRegisters(permuteBytes(buf, order)), nil
	case KindUInt32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v.Uint))
		return bytesToRegisters(permuteBytes(buf, order)), nil
	case KindFloat32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v.Float)))
		return bytesToRegisters(permuteBytes(buf, order)), nil
	case KindFloat64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Float))
		return bytesToRegisters(permuteBytes(buf, order)), nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// ParseValue parses a textual value into the Value variant matching the
// given format. Used by callers that accept user input for writes.
func ParseValue(s string, format DataFormat) (Value, error) {
	switch format {
	case FormatInt16:
		n, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt16, Int: n}, nil
	case FormatUInt16:
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindUInt16, Uint: n}, nil
	case FormatInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt32, Int: n}, nil
	case FormatUInt32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindUInt32, Uint: n}, nil
	case FormatFloat32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFloat32, Float: f}, nil
	case FormatFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFloat64, Float: f}, nil
	case FormatHex:
		return Value{Kind: KindHex, Text: s}, nil
	case FormatBinary:
		return Value{Kind: KindBinary, Text: s}, nil
	case FormatASCII:
		return Value{Kind: KindASCII, Text: s}, nil
	default:
		return Value{}, fmt.Errorf("unknown data format %d", format)
	}
}
