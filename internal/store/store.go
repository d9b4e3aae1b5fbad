// Package store persists the device registry and per-device connection
// history in SQLite. Grounded on the teacher's config.InitDatabase
// (open, ping, run migrations), generalized from an external
// scripts/migrations.sql file to an embedded schema string and extended
// with connection-history bookkeeping (session starts/stops) that the
// teacher never tracked.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	adb_device_id    TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'offline',
	resolution       TEXT,
	battery          INTEGER,
	android_version  TEXT,
	last_seen        INTEGER
);

CREATE TABLE IF NOT EXISTS connection_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	close_kind  TEXT
);

CREATE INDEX IF NOT EXISTS idx_connection_history_device ON connection_history(device_id);
`

// Store wraps the sqlite connection pool and the queries for device rows
// (written by the device registry) and connection history (written by the
// session supervisor).
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, opens the sqlite file at
// path, and applies the embedded schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	logrus.WithField("path", path).Info("database initialized")
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DeviceRecord is a persisted row of the devices table.
type DeviceRecord struct {
	ID             string
	Name           string
	ADBDeviceID    string
	Status         string
	Resolution     string
	Battery        int
	AndroidVersion string
	LastSeen       int64
}

// UpsertDevice inserts or updates a device row keyed by ID.
func (s *Store) UpsertDevice(d DeviceRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (id, name, adb_device_id, status, resolution, battery, android_version, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, adb_device_id=excluded.adb_device_id, status=excluded.status,
			resolution=excluded.resolution, battery=excluded.battery,
			android_version=excluded.android_version, last_seen=excluded.last_seen`,
		d.ID, d.Name, d.ADBDeviceID, d.Status, d.Resolution, d.Battery, d.AndroidVersion, d.LastSeen)
	return err
}

// ListDevices returns every persisted device row.
func (s *Store) ListDevices() ([]DeviceRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, adb_device_id, status, resolution, battery, android_version, last_seen FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		if err := rows.Scan(&d.ID, &d.Name, &d.ADBDeviceID, &d.Status, &d.Resolution, &d.Battery, &d.AndroidVersion, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordSessionStart inserts an open connection-history row and returns
// its id, to be closed later with RecordSessionEnd.
func (s *Store) RecordSessionStart(deviceID string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO connection_history (device_id, started_at) VALUES (?, ?)`, deviceID, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordSessionEnd closes a connection-history row with a close reason
// (the Supervisor passes "client-disconnect", "restart" or "codec-error").
func (s *Store) RecordSessionEnd(id int64, closeKind string) error {
	_, err := s.db.Exec(`UPDATE connection_history SET ended_at = ?, close_kind = ? WHERE id = ?`, time.Now().Unix(), closeKind, id)
	return err
}
