package fleet

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// timeoutLoop sweeps the registry for devices that went silent and marks
// them offline, persisting the transition and announcing it on the bus.
func (m *Module) timeoutLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TimeoutScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepTimeouts(ctx)
		}
	}
}

func (m *Module) sweepTimeouts(ctx context.Context) {
	expired := m.manager.ScanTimeouts(m.cfg.DeviceTimeout)
	for _, ev := range expired {
		m.logger.Info("device timed out",
			zap.String("device_id", ev.DeviceID),
			zap.Time("last_seen", ev.LastSeen))
		m.publishStatus(ctx, ev)
		if m.store != nil {
			if err := m.store.UpdateDeviceStatus(ctx, ev.DeviceID, "offline", ev.LastSeen); err != nil {
				m.logger.Warn("persist timeout transition failed",
					zap.String("device_id", ev.DeviceID), zap.Error(err))
			}
		}
	}
}

// metricsLoop periodically snapshots per-device counters to the store.
func (m *Module) metricsLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshotMetrics(ctx)
		}
	}
}

func (m *Module) snapshotMetrics(ctx context.Context) {
	if m.store == nil {
		return
	}
	for _, mt := range m.manager.MetricsSnapshot() {
		if err := m.store.UpsertMetrics(ctx, mt); err != nil {
			m.logger.Warn("metrics snapshot failed",
				zap.String("device_id", mt.DeviceID), zap.Error(err))
		}
	}
}

// cleanupLoop enforces retention on the history tables.
func (m *Module) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCleanup(ctx)
		}
	}
}

func (m *Module) runCleanup(ctx context.Context) {
	if m.store == nil {
		return
	}
	now := time.Now()
	sensorCutoff := now.AddDate(0, 0, -m.cfg.SensorRetentionDays)
	errorCutoff := now.AddDate(0, 0, -m.cfg.ErrorRetentionDays)

	res, err := m.store.Cleanup(ctx, sensorCutoff, errorCutoff, m.cfg.CleanupBatchSize)
	if err != nil {
		m.logger.Warn("retention cleanup failed", zap.Error(err))
		return
	}
	if res.SensorRows > 0 || res.ErrorRows > 0 || res.ActuatorRows > 0 {
		m.logger.Info("retention cleanup",
			zap.Int64("sensor_rows", res.SensorRows),
			zap.Int64("error_rows", res.ErrorRows),
			zap.Int64("actuator_rows", res.ActuatorRows))
	}
}
