// Package serial provides the Modbus RTU serial line transport backed by
// go.bug.st/serial.
package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/commatea/ModScope/pkg/transport"
)

// Defaults applied when the config leaves fields zero.
const (
	DefaultBaudRate        = 9600
	DefaultDataBits        = 8
	DefaultResponseTimeout = 1 * time.Second
	DefaultBufferSize      = 512
)

// Client implements transport.Transport over a serial port.
type Client struct {
	mu sync.RWMutex

	config transport.Config
	mode   *goserial.Mode

	port         goserial.Port
	id           string
	state        transport.ConnectionState
	eventHandler transport.EventHandler
	stats        transport.Statistics

	readBuffer  []byte
	connectedAt *time.Time
	lastError   error
	lastSend    time.Time
}

// NewClient creates a new serial client transport.
func NewClient(config transport.Config) (*Client, error) {
	if config.Address == "" {
		return nil, errors.New("serial device path is required")
	}
	if config.Serial.BaudRate <= 0 {
		config.Serial.BaudRate = DefaultBaudRate
	}
	if config.Serial.DataBits <= 0 {
		config.Serial.DataBits = DefaultDataBits
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}

	mode, err := buildMode(config.Serial)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:     config,
		mode:       mode,
		id:         fmt.Sprintf("serial-%s", config.Address),
		state:      transport.StateDisconnected,
		readBuffer: make([]byte, config.BufferSize),
	}, nil
}

// buildMode translates line parameters into a go.bug.st/serial Mode.
func buildMode(cfg transport.SerialConfig) (*goserial.Mode, error) {
	mode := &goserial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}

	switch cfg.Parity {
	case "", "none":
		mode.Parity = goserial.NoParity
	case "even":
		mode.Parity = goserial.EvenParity
	case "odd":
		mode.Parity = goserial.OddParity
	case "mark":
		mode.Parity = goserial.MarkParity
	case "space":
		mode.Parity = goserial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid parity: %s", cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = goserial.OneStopBit
	case 1.5:
		mode.StopBits = goserial.OnePointFiveStopBits
	case 2:
		mode.StopBits = goserial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits: %v", cfg.StopBits)
	}

	return mode, nil
}

// Connect opens the serial port.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == transport.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = transport.StateConnecting
	c.mu.Unlock()

	port, err := goserial.Open(c.config.Address, c.mode)
	if err != nil {
		c.mu.Lock()
		c.state = transport.StateError
		c.lastError = err
		c.mu.Unlock()
		return fmt.Errorf("open %s: %w", c.config.Address, err)
	}

	port.SetReadTimeout(c.config.ResponseTimeout)
	port.ResetInputBuffer()
	port.ResetOutputBuffer()

	now := time.Now()
	c.mu.Lock()
	c.port = port
	c.connectedAt = &now
	c.state = transport.StateConnected
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventConnected, Transport: c, Timestamp: now})
	return nil
}

// Close closes the serial port.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == transport.StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	var err error
	if c.port != nil {
		err = c.port.Close()
		c.port = nil
	}
	c.state = transport.StateDisconnected
	c.connectedAt = nil
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventDisconnected, Transport: c, Error: err, Timestamp: time.Now()})
	return err
}

// IsConnected reports whether the port is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == transport.StateConnected
}

// Send writes data to the port, honoring the inter-frame quiet period
// the RTU line discipline requires between exchanges.
func (c *Client) Send(ctx context.Context, data []byte) (int, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected || c.port == nil {
		c.mu.RUnlock()
		return 0, transport.ErrNotConnected
	}
	port := c.port
	lastSend := c.lastSend
	delay := c.config.Serial.InterFrameDelay
	c.mu.RUnlock()

	if delay > 0 && !lastSend.IsZero() {
		if wait := delay - time.Since(lastSend); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	port.ResetInputBuffer()

	n, err := port.Write(data)
	if err != nil {
		c.fail(err)
		return n, err
	}

	c.mu.Lock()
	c.stats.BytesSent += uint64(n)
	c.lastSend = time.Now()
	c.mu.Unlock()

	return n, nil
}

// Receive reads the next chunk from the port. go.bug.st/serial signals a
// read timeout as a zero-byte read, which is normalized to ErrTimeout.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected || c.port == nil {
		c.mu.RUnlock()
		return nil, transport.ErrNotConnected
	}
	port := c.port
	c.mu.RUnlock()

	timeout := c.config.ResponseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, transport.ErrTimeout
	}
	port.SetReadTimeout(timeout)

	n, err := port.Read(c.readBuffer)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	if n == 0 {
		return nil, transport.ErrTimeout
	}

	data := make([]byte, n)
	copy(data, c.readBuffer[:n])

	c.mu.Lock()
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()

	return data, nil
}

// Info returns transport runtime information.
func (c *Client) Info() transport.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := transport.Info{
		ID:          c.id,
		Type:        "serial",
		Address:     c.config.Address,
		State:       c.state,
		Statistics:  c.stats,
		ConnectedAt: c.connectedAt,
	}
	if c.lastError != nil {
		info.LastError = c.lastError.Error()
	}
	return info
}

// SetEventHandler registers the link event handler.
func (c *Client) SetEventHandler(handler transport.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.stats.Errors++
	c.lastError = err
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventError, Transport: c, Error: err, Timestamp: time.Now()})
}

func (c *Client) emit(event transport.Event) {
	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()

	if handler != nil {
		handler.OnEvent(event)
	}
}

// ListPorts returns the serial device paths available on this host.
func ListPorts() ([]string, error) {
	return goserial.GetPortsList()
}

// Factory creates serial transport instances.
type Factory struct{}

// NewFactory creates a new serial transport factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the transport type.
func (f *Factory) Type() string {
	return "serial"
}

// Create creates a new serial transport.
func (f *Factory) Create(config transport.Config) (transport.Transport, error) {
	return NewClient(config)
}

// Validate checks the configuration.
func (f *Factory) Validate(config transport.Config) error {
	if config.Address == "" {
		return errors.New("serial device path is required")
	}
	if _, err := buildMode(config.Serial); err != nil {
		return err
	}
	return nil
}
