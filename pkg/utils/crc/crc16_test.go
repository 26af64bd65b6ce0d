package crc

import "testing"

func TestCalculateCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			name: "Modbus Example 1",
			data: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
			want: 0x0A84, // 84 0A in little endian wire format
		},
		{
			name: "Modbus Example 2",
			data: []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x01},
			want: 0x9A86, // 86 9A on the wire
		},
		{
			name: "Two Bytes",
			data: []byte{0x02, 0x07},
			want: 0x1241,
		},
		{
			name: "Empty Data",
			data: []byte{},
			want: 0xFFFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateCRC16(tt.data); got != tt.want {
				t.Errorf("CalculateCRC16() = %04X, want %04X", got, tt.want)
			}
		})
	}
}

func TestAppendVerifyRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
		{0x11, 0x10, 0x00, 0x10, 0x00, 0x02, 0x04, 0xDE, 0xAD, 0xBE, 0xEF},
		{0xF7, 0x04},
		{0x00, 0x00},
	}

	for _, p := range payloads {
		frame := AppendCRC16(p)
		if !VerifyCRC16(frame) {
			t.Errorf("VerifyCRC16(AppendCRC16(% X)) = false, want true", p)
		}

		// Flipping any single bit must break verification.
		for i := 0; i < len(frame)*8; i++ {
			corrupted := make([]byte, len(frame))
			copy(corrupted, frame)
			corrupted[i/8] ^= 1 << (i % 8)
			if VerifyCRC16(corrupted) {
				t.Errorf("VerifyCRC16 passed with bit %d flipped in % X", i, frame)
			}
		}
	}
}

func TestVerifyShortFrame(t *testing.T) {
	for _, frame := range [][]byte{nil, {0x01}, {0x01, 0x03}, {0x01, 0x03, 0x02}} {
		if VerifyCRC16(frame) {
			t.Errorf("VerifyCRC16(% X) = true, want false for short frame", frame)
		}
	}
}
