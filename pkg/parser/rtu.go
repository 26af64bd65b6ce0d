package parser

// rtuExceptionLength is the fixed size of an RTU exception reply.
const rtuExceptionLength = 5

// RTUParser reassembles Modbus RTU response frames. RTU carries no
// length field, so the dispatcher primes the parser with the expected
// normal-response size before each exchange; an exception reply is
// recognized by the function code high bit and is always five bytes.
type RTUParser struct {
	expected int
}

// NewRTUParser creates an RTU response parser.
func NewRTUParser() *RTUParser {
	return &RTUParser{}
}

// Expect sets the size of the next normal response frame.
func (p *RTUParser) Expect(length int) {
	p.expected = length
}

// Parse slices one complete RTU frame off the buffer.
func (p *RTUParser) Parse(buffer []byte) (frame []byte, remaining []byte, err error) {
	if len(buffer) < 2 {
		return nil, buffer, ErrIncompleteFrame
	}

	total := p.expected
	if buffer[1]&0x80 != 0 {
		total = rtuExceptionLength
	}
	if total <= 0 {
		return nil, buffer, ErrInvalidFrame
	}
	if len(buffer) < total {
		return nil, buffer, ErrIncompleteFrame
	}

	frame = make([]byte, total)
	copy(frame, buffer[:total])
	return frame, buffer[total:], nil
}

// Reset clears the primed length.
func (p *RTUParser) Reset() {
	p.expected = 0
}
