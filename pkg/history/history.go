// Package history records completed Modbus exchanges for later inspection.
package history

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/commatea/ModScope/pkg/modbus"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record is one persisted exchange: the request summary, the raw frames
// of the final attempt, and the outcome.
type Record struct {
	ID        string
	SlaveID   uint8
	Function  string
	Address   uint16
	Quantity  uint16
	Success   bool
	Exception uint8
	Error     string
	TxBytes   []byte
	RxBytes   []byte
	ElapsedMS int64
	CreatedAt time.Time
}

// NewRecord builds a Record from a resolved request/response pair.
func NewRecord(req modbus.Request, resp modbus.Response) *Record {
	return &Record{
		ID:        uuid.NewString(),
		SlaveID:   req.SlaveID,
		Function:  req.Function.String(),
		Address:   req.StartAddress,
		Quantity:  req.Quantity,
		Success:   resp.Success,
		Exception: resp.Exception,
		Error:     resp.ErrorMessage,
		TxBytes:   resp.TxBytes,
		RxBytes:   resp.RxBytes,
		ElapsedMS: resp.Elapsed.Milliseconds(),
		CreatedAt: resp.Timestamp,
	}
}

// Store defines the interface for exchange history persistence.
type Store interface {
	// Save persists one exchange record.
	Save(rec *Record) error

	// Recent retrieves the most recent records, newest first.
	Recent(limit int) ([]*Record, error)

	// Get retrieves one record by id.
	Get(id string) (*Record, error)

	// Close closes the store.
	Close() error
}
