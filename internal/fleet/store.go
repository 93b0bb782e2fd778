package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgebridge/edgebridge/pkg/models"
)

const (
	// timeFormat is how timestamps are stored in SQLite. Fixed-width
	// fractional seconds keep string comparison equal to time ordering.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

	// DefaultQueryLimit caps history queries that pass no explicit limit.
	DefaultQueryLimit = 1000

	// DefaultCleanupBatch bounds each retention DELETE so long-running
	// cleanups never hold the write connection for the whole sweep.
	DefaultCleanupBatch = 500

	busyRetries = 3
)

// Store is the SQLite persistence layer for fleet state. All writes go
// through a busy-retry wrapper; a write that stays locked after the
// retries surfaces ErrStorageUnavailable.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// withRetry runs fn, retrying up to busyRetries times with 50/100/200ms
// backoff when SQLite reports the database as locked or busy.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func isBusy(err error) bool {
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// RegisterDevice upserts the device catalog row. created_at is preserved
// across re-registrations.
func (s *Store) RegisterDevice(ctx context.Context, deviceID, deviceType, firmware, location string) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (device_id, device_type, firmware_version, location, status, last_seen)
			VALUES (?, ?, ?, ?, 'online', ?)
			ON CONFLICT(device_id) DO UPDATE SET
				device_type      = excluded.device_type,
				firmware_version = excluded.firmware_version,
				location         = excluded.location,
				status           = 'online',
				last_seen        = excluded.last_seen
		`, deviceID, deviceType, firmware, location, time.Now().UTC().Format(timeFormat))
		return err
	})
}

// UpdateDeviceStatus records the device's liveness and last-seen time.
// Creates the catalog row if telemetry arrived before registration.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID, status string, lastSeen time.Time) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (device_id, status, last_seen)
			VALUES (?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				status    = excluded.status,
				last_seen = excluded.last_seen
		`, deviceID, status, lastSeen.UTC().Format(timeFormat))
		return err
	})
}

// StoreSensorData appends one reading to the history table.
func (s *Store) StoreSensorData(ctx context.Context, r models.SensorReading) error {
	if r.DeviceID == "" || r.SensorType == "" {
		return errors.New("device id and sensor type are required")
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sensor_data (device_id, sensor_type, value, unit, quality, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.DeviceID, r.SensorType, r.Value, r.Unit, r.Quality, r.Timestamp.UTC().Format(timeFormat))
		return err
	})
}

// GetSensorData returns readings for one device/sensor pair since the
// given time, newest first. limit <= 0 or above DefaultQueryLimit is
// clamped to DefaultQueryLimit.
func (s *Store) GetSensorData(ctx context.Context, deviceID, sensorType string, since time.Time, limit int) ([]models.SensorReading, error) {
	if limit <= 0 || limit > DefaultQueryLimit {
		limit = DefaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, sensor_type, value, unit, quality, timestamp
		FROM sensor_data
		WHERE device_id = ? AND sensor_type = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, deviceID, sensorType, since.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("query sensor data: %w", err)
	}
	defer rows.Close()

	var out []models.SensorReading
	for rows.Next() {
		var r models.SensorReading
		var ts string
		if err := rows.Scan(&r.DeviceID, &r.SensorType, &r.Value, &r.Unit, &r.Quality, &ts); err != nil {
			return nil, fmt.Errorf("scan sensor data: %w", err)
		}
		r.Timestamp, _ = time.Parse(timeFormat, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogDeviceError appends one error report.
func (s *Store) LogDeviceError(ctx context.Context, e models.DeviceError) error {
	if e.DeviceID == "" {
		return errors.New("device id is required")
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_errors (device_id, error_type, message, severity, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, e.DeviceID, e.ErrorType, e.Message, int(e.Severity), e.Timestamp.UTC().Format(timeFormat))
		return err
	})
}

// GetDeviceErrors returns error reports newest first. deviceID narrows to
// one device when non-empty; minSeverity filters lower grades out.
func (s *Store) GetDeviceErrors(ctx context.Context, deviceID string, minSeverity models.Severity, since time.Time, limit int) ([]models.DeviceError, error) {
	if limit <= 0 || limit > DefaultQueryLimit {
		limit = DefaultQueryLimit
	}
	query := `
		SELECT device_id, error_type, message, severity, timestamp
		FROM device_errors
		WHERE severity >= ? AND timestamp >= ?
	`
	args := []any{int(minSeverity), since.UTC().Format(timeFormat)}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query device errors: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceError
	for rows.Next() {
		var e models.DeviceError
		var sev int
		var ts string
		if err := rows.Scan(&e.DeviceID, &e.ErrorType, &e.Message, &sev, &ts); err != nil {
			return nil, fmt.Errorf("scan device error: %w", err)
		}
		e.Severity = models.Severity(sev)
		e.Timestamp, _ = time.Parse(timeFormat, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertCapabilities replaces the stored capability snapshot for a device.
func (s *Store) UpsertCapabilities(ctx context.Context, deviceID string, caps models.DeviceCapabilities) error {
	blob, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_capabilities (device_id, capabilities, received_at)
			VALUES (?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				capabilities = excluded.capabilities,
				received_at  = excluded.received_at
		`, deviceID, string(blob), caps.ReceivedAt.UTC().Format(timeFormat))
		return err
	})
}

// GetCapabilities loads the stored capability snapshot, or nil when the
// device never announced any.
func (s *Store) GetCapabilities(ctx context.Context, deviceID string) (*models.DeviceCapabilities, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		"SELECT capabilities FROM device_capabilities WHERE device_id = ?",
		deviceID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	var caps models.DeviceCapabilities
	if err := json.Unmarshal([]byte(blob), &caps); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &caps, nil
}

// StoreActuatorState appends one actuator state change to the history.
func (s *Store) StoreActuatorState(ctx context.Context, st models.ActuatorState) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO actuator_states (device_id, actuator_type, state, timestamp)
			VALUES (?, ?, ?, ?)
		`, st.DeviceID, st.ActuatorType, st.State, st.Timestamp.UTC().Format(timeFormat))
		return err
	})
}

// UpsertMetrics snapshots one device's counters.
func (s *Store) UpsertMetrics(ctx context.Context, m models.DeviceMetrics) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_metrics
				(device_id, messages_sent, messages_received, connection_failures, sensor_read_errors, last_activity, uptime_start)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				messages_sent       = excluded.messages_sent,
				messages_received   = excluded.messages_received,
				connection_failures = excluded.connection_failures,
				sensor_read_errors  = excluded.sensor_read_errors,
				last_activity       = excluded.last_activity,
				uptime_start        = excluded.uptime_start
		`, m.DeviceID, m.MessagesSent, m.MessagesReceived, m.ConnectionFailures,
			m.SensorReadErrors, m.LastActivity.UTC().Format(timeFormat), m.UptimeStart.UTC().Format(timeFormat))
		return err
	})
}

// ListMetrics returns stored counter snapshots, optionally for one device.
func (s *Store) ListMetrics(ctx context.Context, deviceID string) ([]models.DeviceMetrics, error) {
	query := `
		SELECT device_id, messages_sent, messages_received, connection_failures, sensor_read_errors, last_activity, uptime_start
		FROM device_metrics
	`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY device_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceMetrics
	for rows.Next() {
		var m models.DeviceMetrics
		var last, up string
		if err := rows.Scan(&m.DeviceID, &m.MessagesSent, &m.MessagesReceived,
			&m.ConnectionFailures, &m.SensorReadErrors, &last, &up); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		m.LastActivity, _ = time.Parse(timeFormat, last)
		m.UptimeStart, _ = time.Parse(timeFormat, up)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CleanupResult reports how many rows each retention sweep removed.
type CleanupResult struct {
	SensorRows   int64 `json:"sensor_rows"`
	ErrorRows    int64 `json:"error_rows"`
	ActuatorRows int64 `json:"actuator_rows"`
}

// Cleanup deletes sensor readings and error reports older than their
// cutoffs, in bounded batches so readers are never starved. Expired
// actuator states are also swept, keeping the latest row per actuator.
func (s *Store) Cleanup(ctx context.Context, sensorCutoff, errorCutoff time.Time, batch int) (CleanupResult, error) {
	if batch <= 0 {
		batch = DefaultCleanupBatch
	}
	var res CleanupResult

	n, err := s.deleteBatched(ctx, "sensor_data", sensorCutoff, batch)
	res.SensorRows = n
	if err != nil {
		return res, err
	}

	n, err = s.deleteBatched(ctx, "device_errors", errorCutoff, batch)
	res.ErrorRows = n
	if err != nil {
		return res, err
	}

	n, err = s.cleanupActuatorStates(ctx, sensorCutoff, batch)
	res.ActuatorRows = n
	return res, err
}

// cleanupActuatorStates deletes expired actuator history but always keeps
// the newest row per (device_id, actuator_type) so the latest state
// survives any retention window.
func (s *Store) cleanupActuatorStates(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var affected int64
		err := withRetry(ctx, func() error {
			r, err := s.db.ExecContext(ctx, `
				DELETE FROM actuator_states WHERE rowid IN (
					SELECT rowid FROM actuator_states
					WHERE timestamp < ?
					  AND rowid NOT IN (
						SELECT MAX(rowid) FROM actuator_states
						GROUP BY device_id, actuator_type
					  )
					LIMIT ?
				)
			`, cutoff.UTC().Format(timeFormat), batch)
			if err != nil {
				return err
			}
			affected, err = r.RowsAffected()
			return err
		})
		if err != nil {
			return total, fmt.Errorf("cleanup actuator_states: %w", err)
		}
		total += affected
		if affected < int64(batch) {
			return total, nil
		}
	}
}

func (s *Store) deleteBatched(ctx context.Context, table string, cutoff time.Time, batch int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var affected int64
		err := withRetry(ctx, func() error {
			r, err := s.db.ExecContext(ctx,
				// rowid subquery keeps each DELETE bounded.
				"DELETE FROM "+table+" WHERE rowid IN (SELECT rowid FROM "+table+" WHERE timestamp < ? LIMIT ?)",
				cutoff.UTC().Format(timeFormat), batch,
			)
			if err != nil {
				return err
			}
			affected, err = r.RowsAffected()
			return err
		})
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		total += affected
		if affected < int64(batch) {
			return total, nil
		}
	}
}

// StoreStats summarizes database contents for the system status tool.
type StoreStats struct {
	Devices    int64 `json:"devices"`
	SensorRows int64 `json:"sensor_rows"`
	ErrorRows  int64 `json:"error_rows"`
	SizeBytes  int64 `json:"size_bytes"`
}

// Stats counts the main tables and reports the database size.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM devices", &st.Devices},
		{"SELECT COUNT(*) FROM sensor_data", &st.SensorRows},
		{"SELECT COUNT(*) FROM device_errors", &st.ErrorRows},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return st, fmt.Errorf("stats page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return st, fmt.Errorf("stats page_size: %w", err)
	}
	st.SizeBytes = pageCount * pageSize
	return st, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
