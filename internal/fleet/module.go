package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgebridge/edgebridge/pkg/models"
	"github.com/edgebridge/edgebridge/pkg/plugin"
)

// Config tunes the registry window and maintenance loops.
type Config struct {
	DeviceTimeout       time.Duration `mapstructure:"device_timeout"`
	ErrorRingSize       int           `mapstructure:"error_ring_size"`
	TimeoutScanInterval time.Duration `mapstructure:"timeout_scan_interval"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	SensorRetentionDays int           `mapstructure:"sensor_retention_days"`
	ErrorRetentionDays  int           `mapstructure:"error_retention_days"`
	CleanupBatchSize    int           `mapstructure:"cleanup_batch_size"`
}

// DefaultConfig returns the stock maintenance cadence.
func DefaultConfig() Config {
	return Config{
		DeviceTimeout:       5 * time.Minute,
		ErrorRingSize:       DefaultErrorRingSize,
		TimeoutScanInterval: time.Minute,
		MetricsInterval:     5 * time.Minute,
		CleanupInterval:     24 * time.Hour,
		SensorRetentionDays: 30,
		ErrorRetentionDays:  30,
		CleanupBatchSize:    DefaultCleanupBatch,
	}
}

// Module owns the device registry, its persistence, and the maintenance
// loops. It is also the sink for decoded MQTT telemetry.
type Module struct {
	cfg     Config
	logger  *zap.Logger
	bus     plugin.EventBus
	manager *Manager
	store   *Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewModule returns an uninitialized fleet module.
func NewModule() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "fleet",
		Version:     "0.1.0",
		Description: "Device registry, telemetry persistence, and maintenance loops",
		Required:    true,
		APIVersion:  plugin.APIVersion,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal fleet config: %w", err)
		}
		applyDefaults(&m.cfg)
	}

	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus
	m.manager = NewManager(m.cfg.ErrorRingSize)

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "fleet", migrations()); err != nil {
			return fmt.Errorf("fleet migrations: %w", err)
		}
		m.store = NewStore(deps.Store.DB())
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = def.DeviceTimeout
	}
	if cfg.ErrorRingSize <= 0 {
		cfg.ErrorRingSize = def.ErrorRingSize
	}
	if cfg.TimeoutScanInterval <= 0 {
		cfg.TimeoutScanInterval = def.TimeoutScanInterval
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = def.MetricsInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.SensorRetentionDays <= 0 {
		cfg.SensorRetentionDays = def.SensorRetentionDays
	}
	if cfg.ErrorRetentionDays <= 0 {
		cfg.ErrorRetentionDays = def.ErrorRetentionDays
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = def.CleanupBatchSize
	}
}

func (m *Module) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(3)
	go m.timeoutLoop(loopCtx)
	go m.metricsLoop(loopCtx)
	go m.cleanupLoop(loopCtx)

	m.logger.Info("fleet module started",
		zap.Duration("device_timeout", m.cfg.DeviceTimeout),
		zap.Int("sensor_retention_days", m.cfg.SensorRetentionDays))
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Manager exposes the in-memory registry for tool queries.
func (m *Module) Manager() *Manager {
	return m.manager
}

// Store exposes the persistence layer, nil when running without a database.
func (m *Module) Store() *Store {
	return m.store
}

// Health reports degraded when the database is unreachable.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	total, online := m.manager.Counts()
	details := map[string]string{
		"devices": fmt.Sprintf("%d", total),
		"online":  fmt.Sprintf("%d", online),
	}
	if m.store == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "running without persistence", Details: details}
	}
	if err := m.store.Ping(ctx); err != nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: err.Error(), Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// publishStatus emits a liveness transition on the bus.
func (m *Module) publishStatus(ctx context.Context, ev StatusEvent) {
	if m.bus == nil {
		return
	}
	topic := TopicDeviceOffline
	if ev.Online {
		topic = TopicDeviceOnline
	}
	m.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "fleet",
		Timestamp: time.Now(),
		Payload:   ev,
	})
}

// HandleSensorReading applies one decoded reading: registry first, then
// persistence. A store failure never blocks the registry update.
func (m *Module) HandleSensorReading(ctx context.Context, r models.SensorReading) error {
	created := m.manager.RecordSensorReading(r)
	if created {
		m.registerFirstSeen(ctx, r.DeviceID)
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.StoreSensorData(ctx, r); err != nil {
		m.logger.Warn("persist sensor reading failed",
			zap.String("device_id", r.DeviceID),
			zap.String("sensor_type", r.SensorType),
			zap.Error(err))
		return err
	}
	return nil
}

// HandleActuatorState applies one decoded actuator state report.
func (m *Module) HandleActuatorState(ctx context.Context, st models.ActuatorState) error {
	created := m.manager.RecordActuatorState(st)
	if created {
		m.registerFirstSeen(ctx, st.DeviceID)
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.StoreActuatorState(ctx, st); err != nil {
		m.logger.Warn("persist actuator state failed",
			zap.String("device_id", st.DeviceID),
			zap.Error(err))
		return err
	}
	return nil
}

// HandleCapabilities replaces the device's capability snapshot and
// refreshes the catalog row.
func (m *Module) HandleCapabilities(ctx context.Context, deviceID string, caps models.DeviceCapabilities) error {
	m.manager.UpsertCapabilities(deviceID, caps)
	if m.store == nil {
		return nil
	}
	if err := m.store.RegisterDevice(ctx, deviceID, caps.DeviceType, caps.FirmwareVersion, caps.Location); err != nil {
		m.logger.Warn("register device failed", zap.String("device_id", deviceID), zap.Error(err))
		return err
	}
	if err := m.store.UpsertCapabilities(ctx, deviceID, caps); err != nil {
		m.logger.Warn("persist capabilities failed", zap.String("device_id", deviceID), zap.Error(err))
		return err
	}
	return nil
}

// HandleStatus applies an explicit liveness report from the status topic.
// The raw wire string is persisted verbatim; only the online flag is
// normalized.
func (m *Module) HandleStatus(ctx context.Context, deviceID string, online bool, raw string, ts time.Time) error {
	wasOnline, created := m.manager.SetStatus(deviceID, online, ts)
	if created {
		m.registerFirstSeen(ctx, deviceID)
	}
	if wasOnline != online {
		m.publishStatus(ctx, StatusEvent{
			DeviceID: deviceID,
			Online:   online,
			LastSeen: ts,
			Reason:   "status_message",
		})
	}
	if m.store == nil {
		return nil
	}
	status := raw
	if status == "" {
		status = "offline"
		if online {
			status = "online"
		}
	}
	if err := m.store.UpdateDeviceStatus(ctx, deviceID, status, ts); err != nil {
		m.logger.Warn("persist device status failed", zap.String("device_id", deviceID), zap.Error(err))
		return err
	}
	return nil
}

// HandleDeviceError records the error in the bounded window and persists
// it, then announces it on the bus.
func (m *Module) HandleDeviceError(ctx context.Context, e models.DeviceError) error {
	created := m.manager.RecordError(e)
	if created {
		m.registerFirstSeen(ctx, e.DeviceID)
	}
	if m.bus != nil {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     TopicDeviceError,
			Source:    "fleet",
			Timestamp: time.Now(),
			Payload:   ErrorEvent{Error: e},
		})
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.LogDeviceError(ctx, e); err != nil {
		m.logger.Warn("persist device error failed", zap.String("device_id", e.DeviceID), zap.Error(err))
		return err
	}
	return nil
}

// registerFirstSeen creates the catalog row for a device discovered via
// telemetry before any capability announcement.
func (m *Module) registerFirstSeen(ctx context.Context, deviceID string) {
	m.logger.Info("device discovered", zap.String("device_id", deviceID))
	if m.store == nil {
		return
	}
	if err := m.store.RegisterDevice(ctx, deviceID, "", "", ""); err != nil {
		m.logger.Warn("register discovered device failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}
}
