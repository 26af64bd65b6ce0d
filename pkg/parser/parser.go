// Package parser extracts complete Modbus frames from byte streams that
// deliver data at arbitrary chunk boundaries.
package parser

import "errors"

// Common parser errors.
var (
	ErrIncompleteFrame = errors.New("incomplete frame")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrBufferOverflow  = errors.New("buffer overflow")
)

// Parser attempts to slice one complete frame off the front of a buffer.
type Parser interface {
	// Parse returns the extracted frame (nil with ErrIncompleteFrame if
	// more bytes are needed) and the bytes remaining after it.
	Parse(buffer []byte) (frame []byte, remaining []byte, err error)

	// Reset clears any per-exchange state.
	Reset()
}

// Buffer accumulates inbound chunks for a Parser.
type Buffer struct {
	data    []byte
	maxSize int
	parser  Parser
}

// NewBuffer creates a parse buffer bounded at maxSize bytes.
func NewBuffer(maxSize int, parser Parser) *Buffer {
	return &Buffer{
		data:    make([]byte, 0, maxSize),
		maxSize: maxSize,
		parser:  parser,
	}
}

// Write appends a chunk to the buffer.
func (b *Buffer) Write(chunk []byte) error {
	if len(b.data)+len(chunk) > b.maxSize {
		return ErrBufferOverflow
	}
	b.data = append(b.data, chunk...)
	return nil
}

// Next attempts to extract one complete frame. Leftover bytes beyond the
// frame are retained for the next call.
func (b *Buffer) Next() ([]byte, error) {
	frame, remaining, err := b.parser.Parse(b.data)
	if err != nil {
		return nil, err
	}
	b.data = append(b.data[:0], remaining...)
	return frame, nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset clears the buffer and the parser state.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.parser.Reset()
}
