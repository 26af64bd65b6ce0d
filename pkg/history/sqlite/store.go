package sqlite

import (
	"database/sql"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/commatea/ModScope/pkg/history"
)

// SQLiteStore implements history.Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite store.
func NewStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		slave_id INTEGER NOT NULL,
		function TEXT NOT NULL,
		address INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		success INTEGER NOT NULL,
		exception INTEGER DEFAULT 0,
		error TEXT,
		tx_bytes BLOB,
		rx_bytes BLOB,
		elapsed_ms INTEGER,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save persists one exchange record.
func (s *SQLiteStore) Save(rec *history.Record) error {
	query := `INSERT INTO exchanges
		(id, slave_id, function, address, quantity, success, exception, error, tx_bytes, rx_bytes, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		rec.ID, rec.SlaveID, rec.Function, rec.Address, rec.Quantity,
		rec.Success, rec.Exception, rec.Error, rec.TxBytes, rec.RxBytes,
		rec.ElapsedMS, rec.CreatedAt)
	return err
}

// Recent retrieves the most recent records, newest first.
func (s *SQLiteStore) Recent(limit int) ([]*history.Record, error) {
	query := `SELECT id, slave_id, function, address, quantity, success, exception, error, tx_bytes, rx_bytes, elapsed_ms, created_at
		FROM exchanges ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*history.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get retrieves one record by id.
func (s *SQLiteStore) Get(id string) (*history.Record, error) {
	query := `SELECT id, slave_id, function, address, quantity, success, exception, error, tx_bytes, rx_bytes, elapsed_ms, created_at
		FROM exchanges WHERE id = ?`
	row := s.db.QueryRow(query, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*history.Record, error) {
	var rec history.Record
	err := row.Scan(&rec.ID, &rec.SlaveID, &rec.Function, &rec.Address, &rec.Quantity,
		&rec.Success, &rec.Exception, &rec.Error, &rec.TxBytes, &rec.RxBytes,
		&rec.ElapsedMS, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
