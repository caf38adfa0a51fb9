// Package capture persists CAN frames to a SQLite log for later replay,
// letting the simulator and transport-protocol test suites regress
// against recorded real traffic without a live bus.
package capture

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

// Store logs CAN frames to a SQLite database and reads them back for
// replay.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and ensures the
// frame log table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("capture: open: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_unix_nano INTEGER NOT NULL,
		interface TEXT NOT NULL,
		can_id INTEGER NOT NULL,
		extended INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("capture: create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends frame to the log, tagged with iface and the given
// timestamp.
func (s *Store) Record(iface string, frame canid.CANFrame, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO frames (timestamp_unix_nano, interface, can_id, extended, data) VALUES (?, ?, ?, ?, ?)`,
		at.UnixNano(), iface, frame.ID, boolToInt(frame.Extended), frame.Data,
	)
	if err != nil {
		return fmt.Errorf("capture: record: %w", err)
	}
	return nil
}

// RecordedFrame is one row read back from the frame log.
type RecordedFrame struct {
	Timestamp time.Time
	Interface string
	Frame     canid.CANFrame
}

// Frames returns every recorded frame for iface, ordered by timestamp.
func (s *Store) Frames(iface string) ([]RecordedFrame, error) {
	rows, err := s.db.Query(
		`SELECT timestamp_unix_nano, interface, can_id, extended, data FROM frames WHERE interface = ? ORDER BY timestamp_unix_nano`,
		iface,
	)
	if err != nil {
		return nil, fmt.Errorf("capture: query: %w", err)
	}
	defer rows.Close()

	var out []RecordedFrame
	for rows.Next() {
		var tsNano int64
		var ifaceName string
		var id uint32
		var extended int
		var data []byte
		if err := rows.Scan(&tsNano, &ifaceName, &id, &extended, &data); err != nil {
			return nil, fmt.Errorf("capture: scan: %w", err)
		}
		out = append(out, RecordedFrame{
			Timestamp: time.Unix(0, tsNano),
			Interface: ifaceName,
			Frame:     canid.CANFrame{ID: id, Data: data, Extended: extended != 0},
		})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
