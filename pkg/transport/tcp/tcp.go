// Package tcp provides the Modbus TCP client transport.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/commatea/ModScope/pkg/transport"
)

// Defaults applied when the config leaves fields zero.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 1 * time.Second
	DefaultBufferSize      = 512
)

// Client implements transport.Transport over a TCP connection.
type Client struct {
	mu sync.RWMutex

	config transport.Config

	conn         net.Conn
	id           string
	state        transport.ConnectionState
	eventHandler transport.EventHandler
	stats        transport.Statistics

	readBuffer  []byte
	connectedAt *time.Time
	lastError   error
}

// NewClient creates a new TCP client transport.
func NewClient(config transport.Config) (*Client, error) {
	if _, _, err := net.SplitHostPort(config.Address); err != nil {
		return nil, fmt.Errorf("invalid tcp address %q: %w", config.Address, err)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}

	return &Client{
		config:     config,
		id:         fmt.Sprintf("tcp-%s", config.Address),
		state:      transport.StateDisconnected,
		readBuffer: make([]byte, config.BufferSize),
	}, nil
}

// Connect establishes the TCP connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == transport.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = transport.StateConnecting
	c.mu.Unlock()

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.mu.Lock()
		c.state = transport.StateError
		c.lastError = err
		c.mu.Unlock()
		return err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		if c.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
		}
	}

	now := time.Now()
	c.mu.Lock()
	c.conn = conn
	c.connectedAt = &now
	c.state = transport.StateConnected
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventConnected, Transport: c, Timestamp: now})
	return nil
}

// Close closes the TCP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == transport.StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.state = transport.StateDisconnected
	c.connectedAt = nil
	c.mu.Unlock()

	c.emit(transport.Event{Type: transport.EventDisconnected, Transport: c, Error: err, Timestamp: time.Now()})
	return err
}

// IsConnected reports whether the link is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == transport.StateConnected
}

// Send writes data to the connection.
func (c *Client) Send(ctx context.Context, data []byte) (int, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected || c.conn == nil {
		c.mu.RUnlock()
		return 0, transport.ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(c.config.ResponseTimeout))
	}

	n, err := conn.Write(data)
	if err != nil {
		c.fail(err)
		return n, err
	}

	c.mu.Lock()
	c.stats.BytesSent += uint64(n)
	c.mu.Unlock()

	return n, nil
}

// Receive reads the next chunk from the connection. The read deadline is
// taken from the context when present, otherwise from the configured
// response timeout.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected || c.conn == nil {
		c.mu.RUnlock()
		return nil, transport.ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(c.config.ResponseTimeout))
	}

	n, err := conn.Read(c.readBuffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, transport.ErrTimeout
		}
		if errors.Is(err, io.EOF) {
			c.fail(err)
			c.Close()
			return nil, transport.ErrConnClosed
		}
		c.fail(err)
		return nil, err
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
		Type:        "tcp",
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

// Factory creates TCP transport instances.
type Factory struct{}

// NewFactory creates a new TCP transport factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the transport type.
func (f *Factory) Type() string {
	return "tcp"
}

// Create creates a new TCP transport.
func (f *Factory) Create(config transport.Config) (transport.Transport, error) {
	return NewClient(config)
}

// Validate checks the configuration.
func (f *Factory) Validate(config transport.Config) error {
	if config.Address == "" {
		return errors.New("tcp address is required (host:port)")
	}
	if _, _, err := net.SplitHostPort(config.Address); err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	return nil
}
