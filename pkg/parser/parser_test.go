package parser

import (
	"bytes"
	"errors"
	"testing"
)

// One complete MBAP frame: tx 1, proto 0, length 5, unit 0x11, PDU 03 02 00 2A.
var mbapFrame = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x11, 0x03, 0x02, 0x00, 0x2A}

func TestMBAPParserChunking(t *testing.T) {
	tests := []struct {
		name   string
		chunks int
	}{
		{"AllAtOnce", len(mbapFrame)},
		{"TwoByteChunks", 2},
		{"OneBytePerChunk", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewBuffer(1024, NewMBAPParser(0))

			var got []byte
			for i := 0; i < len(mbapFrame); i += tt.chunks {
				end := i + tt.chunks
				if end > len(mbapFrame) {
					end = len(mbapFrame)
				}
				if err := buf.Write(mbapFrame[i:end]); err != nil {
					t.Fatalf("Write() error = %v", err)
				}

				frame, err := buf.Next()
				if errors.Is(err, ErrIncompleteFrame) {
					if end == len(mbapFrame) {
						t.Fatal("frame incomplete after final chunk")
					}
					continue
				}
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				got = frame
			}

			if !bytes.Equal(got, mbapFrame) {
				t.Errorf("frame = % X, want % X", got, mbapFrame)
			}
			if buf.Len() != 0 {
				t.Errorf("buffer retains %d bytes, want 0", buf.Len())
			}
		})
	}
}

func TestMBAPParserBackToBackFrames(t *testing.T) {
	buf := NewBuffer(1024, NewMBAPParser(0))

	second := append([]byte(nil), mbapFrame...)
	second[1] = 0x02
	stream := append(append([]byte(nil), mbapFrame...), second...)

	if err := buf.Write(stream); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	first, err := buf.Next()
	if err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	if !bytes.Equal(first, mbapFrame) {
		t.Errorf("first frame = % X", first)
	}

	got, err := buf.Next()
	if err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("second frame = % X", got)
	}
}

func TestMBAPParserRejectsBadLength(t *testing.T) {
	t.Run("ZeroLength", func(t *testing.T) {
		p := NewMBAPParser(0)
		frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x11}
		if _, _, err := p.Parse(frame); !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("Parse() error = %v, want ErrInvalidFrame", err)
		}
	})

	t.Run("OversizedLength", func(t *testing.T) {
		p := NewMBAPParser(0)
		frame := []byte{0x00, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0x11}
		if _, _, err := p.Parse(frame); !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("Parse() error = %v, want ErrInvalidFrame", err)
		}
	})
}

func TestRTUParserPrimedLength(t *testing.T) {
	// Normal read response: 11 03 02 00 2A F8 58 (7 bytes).
	frame := []byte{0x11, 0x03, 0x02, 0x00, 0x2A, 0xF8, 0x58}

	p := NewRTUParser()
	p.Expect(len(frame))
	buf := NewBuffer(512, p)

	for i, b := range frame {
		if err := buf.Write([]byte{b}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, err := buf.Next()
		if i < len(frame)-1 {
			if !errors.Is(err, ErrIncompleteFrame) {
				t.Fatalf("byte %d: error = %v, want ErrIncompleteFrame", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("final byte: Next() error = %v", err)
		}
		if !bytes.Equal(got, frame) {
			t.Errorf("frame = % X, want % X", got, frame)
		}
	}
}

func TestRTUParserExceptionOverridesPrimedLength(t *testing.T) {
	// Primed for a 7-byte normal response, but the device answers with a
	// 5-byte exception frame.
	exception := []byte{0x11, 0x83, 0x02, 0xC1, 0x34}

	p := NewRTUParser()
	p.Expect(7)
	buf := NewBuffer(512, p)

	if err := buf.Write(exception); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := buf.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, exception) {
		t.Errorf("frame = % X, want % X", got, exception)
	}
}

func TestRTUParserUnprimed(t *testing.T) {
	p := NewRTUParser()
	if _, _, err := p.Parse([]byte{0x11, 0x03, 0x02}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Parse() error = %v, want ErrInvalidFrame", err)
	}
}

func TestBufferOverflow(t *testing.T) {
	buf := NewBuffer(4, NewMBAPParser(0))
	if err := buf.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := buf.Write([]byte{4, 5}); !errors.Is(err, ErrBufferOverflow) {
		t.Errorf("Write() error = %v, want ErrBufferOverflow", err)
	}
}

func TestBufferReset(t *testing.T) {
	p := NewRTUParser()
	p.Expect(7)
	buf := NewBuffer(512, p)

	buf.Write([]byte{0x11, 0x03})
	buf.Reset()

	if buf.Len() != 0 {
		t.Errorf("Len() = %d after reset, want 0", buf.Len())
	}
	// Reset clears the primed length too.
	if _, _, err := p.Parse([]byte{0x11, 0x03, 0x02}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Parse() error = %v, want ErrInvalidFrame after reset", err)
	}
}
