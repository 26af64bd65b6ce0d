// Package transport defines the abstract interface for the byte channels
// the Modbus engine runs over: TCP, a real serial line, or the built-in
// line simulator. Implementations move raw bytes and report link events;
// framing and protocol logic live above them.
package transport

import (
	"context"
	"errors"
	"time"
)

// Common transport errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrConnClosed   = errors.New("connection closed")
	ErrTimeout      = errors.New("read timeout")
)

// ConnectionState represents the current state of a connection.
type ConnectionState int

const (
	// StateDisconnected indicates no link is established.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the link is established and ready.
	StateConnected
	// StateError indicates the link failed and is not being retried.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is the capability interface every byte channel implements.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect establishes the link. It blocks until connected, failed,
	// or the context is cancelled.
	Connect(ctx context.Context) error

	// Close tears the link down and releases resources.
	Close() error

	// IsConnected reports whether the link is currently up.
	IsConnected() bool

	// Send transmits data over the link.
	Send(ctx context.Context, data []byte) (int, error)

	// Receive reads the next available chunk of bytes. It blocks until
	// data arrives, the context deadline passes (ErrTimeout), or the
	// link fails.
	Receive(ctx context.Context) ([]byte, error)

	// Info returns runtime information about the transport.
	Info() Info

	// SetEventHandler registers the handler notified of link events.
	SetEventHandler(handler EventHandler)
}

// Config holds transport construction parameters.
type Config struct {
	// Type selects the transport variant ("tcp", "serial", "sim").
	Type string `yaml:"type" json:"type"`

	// Address is the endpoint: "host:port" for tcp, a device path for
	// serial, a bank name for sim.
	Address string `yaml:"address" json:"address"`

	// ConnectTimeout bounds link establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// ResponseTimeout is the default per-read deadline when the caller's
	// context carries none.
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"response_timeout"`

	// KeepAlive enables TCP-level keepalive probes (tcp only).
	KeepAlive bool `yaml:"keepalive" json:"keepalive"`

	// BufferSize is the read buffer size.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// Serial holds line parameters for the serial variant.
	Serial SerialConfig `yaml:"serial" json:"serial"`
}

// SerialConfig holds serial line parameters.
type SerialConfig struct {
	// BaudRate is the line speed (e.g. 9600, 115200).
	BaudRate int `yaml:"baud_rate" json:"baud_rate"`

	// DataBits is the number of data bits (5-8).
	DataBits int `yaml:"data_bits" json:"data_bits"`

	// Parity is the parity mode ("none", "even", "odd", "mark", "space").
	Parity string `yaml:"parity" json:"parity"`

	// StopBits is the number of stop bits (1, 1.5, 2).
	StopBits float64 `yaml:"stop_bits" json:"stop_bits"`

	// InterFrameDelay is the quiet period inserted between exchanges.
	InterFrameDelay time.Duration `yaml:"interframe_delay" json:"interframe_delay"`
}

// Info contains runtime information about a transport.
type Info struct {
	// ID is a unique identifier for this transport instance.
	ID string `json:"id"`

	// Type is the transport type.
	Type string `json:"type"`

	// Address is the configured endpoint.
	Address string `json:"address"`

	// State is the current link state.
	State ConnectionState `json:"state"`

	// Statistics contains transfer statistics.
	Statistics Statistics `json:"statistics"`

	// ConnectedAt is when the link was established.
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	// LastError is the last error that occurred.
	LastError string `json:"last_error,omitempty"`
}

// Statistics contains transport transfer statistics.
type Statistics struct {
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Errors        uint64 `json:"errors"`
}

// EventType represents the type of link event.
type EventType int

const (
	// EventConnected is emitted when the link comes up.
	EventConnected EventType = iota
	// EventDisconnected is emitted when the link goes down.
	EventDisconnected
	// EventError is emitted on a link-level I/O error.
	EventError
)

// Event represents a link event.
type Event struct {
	Type      EventType
	Transport Transport
	Error     error
	Timestamp time.Time
}

// EventHandler handles link events.
type EventHandler interface {
	OnEvent(event Event)
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(event Event)

// OnEvent implements EventHandler.
func (f EventHandlerFunc) OnEvent(event Event) {
	f(event)
}

// Factory creates transport instances.
type Factory interface {
	// Type returns the transport type this factory creates.
	Type() string

	// Create creates a new transport instance with the given config.
	Create(config Config) (Transport, error)

	// Validate validates the configuration for this transport type.
	Validate(config Config) error
}
