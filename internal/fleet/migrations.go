package fleet

import (
	"database/sql"

	"github.com/edgebridge/edgebridge/pkg/plugin"
)

// migrations defines the fleet module's schema. Versions are append-only.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "device catalog",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS devices (
						device_id        TEXT PRIMARY KEY,
						device_type      TEXT NOT NULL DEFAULT '',
						firmware_version TEXT NOT NULL DEFAULT '',
						location         TEXT NOT NULL DEFAULT '',
						status           TEXT NOT NULL DEFAULT 'offline',
						last_seen        TEXT NOT NULL DEFAULT '',
						created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)
				`)
				return err
			},
		},
		{
			Version:     2,
			Description: "sensor history",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS sensor_data (
						id          INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id   TEXT NOT NULL,
						sensor_type TEXT NOT NULL,
						value       REAL NOT NULL,
						unit        TEXT NOT NULL DEFAULT '',
						quality     REAL NOT NULL DEFAULT 0,
						timestamp   TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_sensor_data_lookup
						ON sensor_data (device_id, sensor_type, timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_sensor_data_timestamp
						ON sensor_data (timestamp)`,
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     3,
			Description: "device error log",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS device_errors (
						id         INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id  TEXT NOT NULL,
						error_type TEXT NOT NULL DEFAULT '',
						message    TEXT NOT NULL DEFAULT '',
						severity   INTEGER NOT NULL DEFAULT 2,
						timestamp  TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_device_errors_lookup
						ON device_errors (device_id, timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_device_errors_timestamp
						ON device_errors (timestamp)`,
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     4,
			Description: "capability snapshots",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS device_capabilities (
						device_id    TEXT PRIMARY KEY,
						capabilities TEXT NOT NULL,
						received_at  TEXT NOT NULL
					)
				`)
				return err
			},
		},
		{
			Version:     5,
			Description: "per-device metrics snapshots",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS device_metrics (
						device_id           TEXT PRIMARY KEY,
						messages_sent       INTEGER NOT NULL DEFAULT 0,
						messages_received   INTEGER NOT NULL DEFAULT 0,
						connection_failures INTEGER NOT NULL DEFAULT 0,
						sensor_read_errors  INTEGER NOT NULL DEFAULT 0,
						last_activity       TEXT NOT NULL DEFAULT '',
						uptime_start        TEXT NOT NULL DEFAULT ''
					)
				`)
				return err
			},
		},
		{
			Version:     6,
			Description: "actuator state history",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS actuator_states (
						id            INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id     TEXT NOT NULL,
						actuator_type TEXT NOT NULL,
						state         TEXT NOT NULL,
						timestamp     TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_actuator_states_lookup
						ON actuator_states (device_id, actuator_type, timestamp)`,
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
