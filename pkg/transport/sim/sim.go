// Package sim provides an in-memory Modbus RTU slave behind the transport
// interface. It answers requests from its own register and coil banks, so
// the engine can be exercised end to end without a device on the line.
// Fault injection covers the failure modes a real line produces: dropped
// replies, corrupted checksums, exception responses, and slow slaves.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/commatea/ModScope/pkg/modbus"
	"github.com/commatea/ModScope/pkg/transport"
	"github.com/commatea/ModScope/pkg/utils/crc"
)

// FaultMode selects the failure the simulator injects on matching exchanges.
type FaultMode int

const (
	// FaultNone answers normally.
	FaultNone FaultMode = iota
	// FaultDrop swallows the request; the master sees a timeout.
	FaultDrop
	// FaultCorruptCRC answers with the last checksum byte flipped.
	FaultCorruptCRC
	// FaultException answers with a protocol exception.
	FaultException
	// FaultDelay answers after the configured delay.
	FaultDelay
)

// Fault describes an injected failure. Count limits how many exchanges it
// applies to; zero means every exchange.
type Fault struct {
	Mode      FaultMode
	Exception uint8
	Delay     time.Duration
	Count     int
}

// Slave holds the simulated device state.
type Slave struct {
	mu sync.RWMutex

	id               uint8
	holdingRegisters map[uint16]uint16
	inputRegisters   map[uint16]uint16
	coils            map[uint16]bool
	discreteInputs   map[uint16]bool

	fault Fault
}

// NewSlave creates a simulated slave with empty banks.
func NewSlave(id uint8) *Slave {
	return &Slave{
		id:               id,
		holdingRegisters: make(map[uint16]uint16),
		inputRegisters:   make(map[uint16]uint16),
		coils:            make(map[uint16]bool),
		discreteInputs:   make(map[uint16]bool),
	}
}

// SetHoldingRegister seeds a holding register value.
func (s *Slave) SetHoldingRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdingRegisters[addr] = value
}

// SetInputRegister seeds an input register value.
func (s *Slave) SetInputRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputRegisters[addr] = value
}

// SetCoil seeds a coil value.
func (s *Slave) SetCoil(addr uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[addr] = value
}

// SetDiscreteInput seeds a discrete input value.
func (s *Slave) SetDiscreteInput(addr uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discreteInputs[addr] = value
}

// HoldingRegister reads back a holding register.
func (s *Slave) HoldingRegister(addr uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdingRegisters[addr]
}

// Coil reads back a coil.
func (s *Slave) Coil(addr uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coils[addr]
}

// InjectFault arms a fault for subsequent exchanges.
func (s *Slave) InjectFault(fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fault
}

// ClearFault disarms fault injection.
func (s *Slave) ClearFault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = Fault{}
}

// takeFault consumes one application of the armed fault.
func (s *Slave) takeFault() Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.fault
	if f.Mode == FaultNone {
		return f
	}
	if f.Count > 0 {
		s.fault.Count--
		if s.fault.Count == 0 {
			s.fault = Fault{}
		}
	}
	return f
}

// handle processes one RTU request frame and returns the reply frame,
// or nil when the request is not addressed to this slave or the armed
// fault drops it.
func (s *Slave) handle(frame []byte) []byte {
	if len(frame) < 4 || !crc.VerifyCRC16(frame) {
		return nil
	}
	if frame[0] != s.id {
		return nil
	}

	fault := s.takeFault()
	switch fault.Mode {
	case FaultDrop:
		return nil
	case FaultDelay:
		time.Sleep(fault.Delay)
	case FaultException:
		return s.reply(exceptionPDU(frame[1], fault.Exception))
	}

	pdu := frame[1 : len(frame)-2]
	reply := s.reply(s.execute(pdu))

	if fault.Mode == FaultCorruptCRC {
		reply[len(reply)-1] ^= 0xFF
	}
	return reply
}

// reply wraps a response PDU in an RTU frame.
func (s *Slave) reply(pdu []byte) []byte {
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, s.id)
	frame = append(frame, pdu...)
	return crc.AppendCRC16(frame)
}

func exceptionPDU(function, code uint8) []byte {
	return []byte{function | 0x80, code}
}

// execute runs one request PDU against the banks and returns the
// response PDU.
func (s *Slave) execute(pdu []byte) []byte {
	if len(pdu) < 1 {
		return exceptionPDU(0, modbus.ExceptionIllegalFunction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	function := modbus.FunctionCode(pdu[0])
	switch function {
	case modbus.FuncReadCoils:
		return s.readBits(pdu, s.coils)
	case modbus.FuncReadDiscreteInputs:
		return s.readBits(pdu, s.discreteInputs)
	case modbus.FuncReadHoldingRegisters:
		return s.readRegisters(pdu, s.holdingRegisters)
	case modbus.FuncReadInputRegisters:
		return s.readRegisters(pdu, s.inputRegisters)
	case modbus.FuncWriteSingleCoil:
		return s.writeSingleCoil(pdu)
	case modbus.FuncWriteSingleRegister:
		return s.writeSingleRegister(pdu)
	case modbus.FuncWriteMultipleCoils:
		return s.writeMultipleCoils(pdu)
	case modbus.FuncWriteMultipleRegisters:
		return s.writeMultipleRegisters(pdu)
	case modbus.FuncReadWriteMultipleRegisters:
		return s.readWriteRegisters(pdu)
	default:
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalFunction)
	}
}

func (s *Slave) readBits(pdu []byte, bank map[uint16]bool) []byte {
	if len(pdu) != 5 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > modbus.MaxCoilQuantity {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	if int(addr)+int(quantity) > 0x10000 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataAddress)
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = bank[addr+uint16(i)]
	}
	packed := modbus.PackBits(bits)

	out := make([]byte, 0, 2+len(packed))
	out = append(out, pdu[0], byte(len(packed)))
	return append(out, packed...)
}

func (s *Slave) readRegisters(pdu []byte, bank map[uint16]uint16) []byte {
	if len(pdu) != 5 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > modbus.MaxRegisterQuantity {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	if int(addr)+int(quantity) > 0x10000 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataAddress)
	}

	out := make([]byte, 2, 2+2*int(quantity))
	out[0] = pdu[0]
	out[1] = byte(2 * quantity)
	for i := uint16(0); i < quantity; i++ {
		out = binary.BigEndian.AppendUint16(out, bank[addr+i])
	}
	return out
}

func (s *Slave) writeSingleCoil(pdu []byte) []byte {
	if len(pdu) != 5 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	switch value {
	case 0xFF00:
		s.coils[addr] = true
	case 0x0000:
		s.coils[addr] = false
	default:
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}

	echo := make([]byte, len(pdu))
	copy(echo, pdu)
	return echo
}

func (s *Slave) writeSingleRegister(pdu []byte) []byte {
	if len(pdu) != 5 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	s.holdingRegisters[addr] = binary.BigEndian.Uint16(pdu[3:5])

	echo := make([]byte, len(pdu))
	copy(echo, pdu)
	return echo
}

func (s *Slave) writeMultipleCoils(pdu []byte) []byte {
	if len(pdu) < 7 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if quantity == 0 || quantity > modbus.MaxCoilQuantity ||
		byteCount != (int(quantity)+7)/8 || len(pdu) != 6+byteCount {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}

	bits := modbus.UnpackBits(pdu[6:], int(quantity))
	for i, bit := range bits {
		s.coils[addr+uint16(i)] = bit
	}

	out := make([]byte, 5)
	out[0] = pdu[0]
	binary.BigEndian.PutUint16(out[1:3], addr)
	binary.BigEndian.PutUint16(out[3:5], quantity)
	return out
}

func (s *Slave) writeMultipleRegisters(pdu []byte) []byte {
	if len(pdu) < 8 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if quantity == 0 || quantity > modbus.MaxRegisterQuantity ||
		byteCount != 2*int(quantity) || len(pdu) != 6+byteCount {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}

	for i := uint16(0); i < quantity; i++ {
		s.holdingRegisters[addr+i] = binary.BigEndian.Uint16(pdu[6+2*i : 8+2*i])
	}

	out := make([]byte, 5)
	out[0] = pdu[0]
	binary.BigEndian.PutUint16(out[1:3], addr)
	binary.BigEndian.PutUint16(out[3:5], quantity)
	return out
}

func (s *Slave) readWriteRegisters(pdu []byte) []byte {
	if len(pdu) < 10 {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}
	readAddr := binary.BigEndian.Uint16(pdu[1:3])
	readQty := binary.BigEndian.Uint16(pdu[3:5])
	writeAddr := binary.BigEndian.Uint16(pdu[5:7])
	writeQty := binary.BigEndian.Uint16(pdu[7:9])
	byteCount := int(pdu[9])
	if readQty == 0 || readQty > modbus.MaxRegisterQuantity ||
		writeQty == 0 || byteCount != 2*int(writeQty) || len(pdu) != 10+byteCount {
		return exceptionPDU(pdu[0], modbus.ExceptionIllegalDataValue)
	}

	// Write before read, per the function's defined ordering.
	for i := uint16(0); i < writeQty; i++ {
		s.holdingRegisters[writeAddr+i] = binary.BigEndian.Uint16(pdu[10+2*i : 12+2*i])
	}

	out := make([]byte, 2, 2+2*int(readQty))
	out[0] = pdu[0]
	out[1] = byte(2 * readQty)
	for i := uint16(0); i < readQty; i++ {
		out = binary.BigEndian.AppendUint16(out, s.holdingRegisters[readAddr+i])
	}
	return out
}

// Client exposes a Slave through the transport interface. Send queues
// the slave's reply; Receive hands it back, optionally split into
// fixed-size chunks to mimic a trickling byte stream.
type Client struct {
	mu sync.RWMutex

	slave     *Slave
	id        string
	chunkSize int

	state        transport.ConnectionState
	eventHandler transport.EventHandler
	stats        transport.Statistics

	pending     []byte
	connectedAt *time.Time
}

// NewClient creates a transport backed by the given slave. chunkSize
// bounds how many bytes a single Receive returns; zero means the whole
// frame at once.
func NewClient(slave *Slave, chunkSize int) *Client {
	return &Client{
		slave:     slave,
		id:        fmt.Sprintf("sim-%d", slave.id),
		chunkSize: chunkSize,
		state:     transport.StateDisconnected,
	}
}

// Slave returns the backing simulated device.
func (c *Client) Slave() *Slave {
	return c.slave
}

// Connect marks the simulated link up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	c.state = transport.StateConnected
	c.connectedAt = &now
	c.pending = nil
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventConnected, Transport: c, Timestamp: now})
	return nil
}

// Close marks the simulated link down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == transport.StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = transport.StateDisconnected
	c.connectedAt = nil
	c.pending = nil
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventDisconnected, Transport: c, Timestamp: time.Now()})
	return nil
}

// IsConnected reports whether the simulated link is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == transport.StateConnected
}

// Send runs the request against the slave and queues its reply.
func (c *Client) Send(ctx context.Context, data []byte) (int, error) {
	c.mu.Lock()
	if c.state != transport.StateConnected {
		c.mu.Unlock()
		return 0, transport.ErrNotConnected
	}
	c.stats.BytesSent += uint64(len(data))
	c.mu.Unlock()

	reply := c.slave.handle(data)

	c.mu.Lock()
	c.pending = reply
	c.mu.Unlock()
	return len(data), nil
}

// Receive returns the next chunk of the queued reply, or ErrTimeout when
// the slave produced none.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != transport.StateConnected {
		return nil, transport.ErrNotConnected
	}
	if len(c.pending) == 0 {
		return nil, transport.ErrTimeout
	}

	n := len(c.pending)
	if c.chunkSize > 0 && c.chunkSize < n {
		n = c.chunkSize
	}

	chunk := make([]byte, n)
	copy(chunk, c.pending[:n])
	c.pending = c.pending[n:]
	c.stats.BytesReceived += uint64(n)
	return chunk, nil
}

// Info returns transport runtime information.
func (c *Client) Info() transport.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return transport.Info{
		ID:          c.id,
		Type:        "sim",
		Address:     c.id,
		State:       c.state,
		Statistics:  c.stats,
		ConnectedAt: c.connectedAt,
	}
}

// SetEventHandler registers the link event handler.
func (c *Client) SetEventHandler(handler transport.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

func (c *Client) emit(event transport.Event) {
	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()

	if handler != nil {
		handler.OnEvent(event)
	}
}

// Factory creates simulator transport instances. Each created transport
// gets a fresh slave seeded with a small ramp of register values so ad
// hoc reads return something recognizable.
type Factory struct{}

// NewFactory creates a new simulator transport factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the transport type.
func (f *Factory) Type() string {
	return "sim"
}

// Create creates a new simulator transport.
func (f *Factory) Create(config transport.Config) (transport.Transport, error) {
	slave := NewSlave(1)
	for i := uint16(0); i < 16; i++ {
		slave.SetHoldingRegister(i, i*100)
		slave.SetInputRegister(i, i)
		slave.SetCoil(i, i%2 == 0)
		slave.SetDiscreteInput(i, i%2 == 1)
	}
	return NewClient(slave, 0), nil
}

// Validate checks the configuration.
func (f *Factory) Validate(config transport.Config) error {
	if config.Type != "sim" {
		return errors.New("config type must be sim")
	}
	return nil
}
