package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgebridge/edgebridge/pkg/plugin"
)

var (
	// ErrNotConnected is returned by publish operations while the broker
	// link is down.
	ErrNotConnected = errors.New("mqtt broker not connected")

	// ErrPublishTimeout is returned when the broker does not acknowledge
	// a publish within the configured timeout.
	ErrPublishTimeout = errors.New("mqtt publish timed out")

	errMissingValue = errors.New("payload missing value field")
)

// subscription pairs a topic pattern with its subscription QoS. Sensor
// data is high-volume and loss-tolerant; everything else wants at-least-once.
type subscription struct {
	pattern string
	qos     byte
}

var subscriptions = []subscription{
	{topicSensorData, 0},
	{topicActuatorStat, 1},
	{topicCapabilities, 1},
	{topicStatus, 1},
	{topicErrors, 1},
}

// Module owns the broker connection and inbound dispatch.
type Module struct {
	cfg         Config
	logger      *zap.Logger
	client      pahomqtt.Client
	dispatcher  *dispatcher
	sink        TelemetrySink
	dropLimiter *rate.Limiter
}

// NewModule returns an uninitialized mqtt module.
func NewModule() *Module {
	return &Module{}
}

// SetSink wires the telemetry consumer. Must be called before Start.
func (m *Module) SetSink(sink TelemetrySink) {
	m.sink = sink
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "mqtt",
		Version:     "0.1.0",
		Description: "MQTT broker connection, telemetry ingest, and command publishing",
		APIVersion:  plugin.APIVersion,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal mqtt config: %w", err)
		}
		if m.cfg.ConnectTimeout <= 0 {
			m.cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
		}
		if m.cfg.PublishTimeout <= 0 {
			m.cfg.PublishTimeout = DefaultConfig().PublishTimeout
		}
		if m.cfg.MaxReconnectInterval <= 0 {
			m.cfg.MaxReconnectInterval = DefaultConfig().MaxReconnectInterval
		}
		if m.cfg.ClientID == "" {
			m.cfg.ClientID = DefaultConfig().ClientID
		}
	}

	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.dispatcher = newDispatcher()
	m.dropLimiter = newDropLimiter()
	m.registerRoutes()
	return nil
}

// Start connects to the broker. With no broker configured the module
// stays idle, which keeps stdio-only deployments working.
func (m *Module) Start(ctx context.Context) error {
	if m.cfg.Broker == "" {
		m.logger.Info("no mqtt broker configured, module idle")
		return nil
	}

	// Random suffix avoids client-id collisions across restarts while the
	// broker still holds the old session.
	clientID := m.cfg.ClientID + "-" + uuid.NewString()[:8]

	opts := pahomqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL()).
		SetClientID(clientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(m.cfg.MaxReconnectInterval).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		m.logger.Info("mqtt connected", zap.String("broker", m.cfg.BrokerURL()))
		m.subscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	m.client = pahomqtt.NewClient(opts)

	token := m.client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to %s: timeout after %s", m.cfg.BrokerURL(), m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", m.cfg.BrokerURL(), err)
	}
	return nil
}

// subscribeAll (re)subscribes every telemetry pattern. Runs on every
// connect so subscriptions survive broker restarts.
func (m *Module) subscribeAll(c pahomqtt.Client) {
	for _, sub := range subscriptions {
		sub := sub
		token := c.Subscribe(sub.pattern, sub.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			m.dispatcher.dispatch(context.Background(), msg.Topic(), msg.Payload())
		})
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				m.logger.Error("subscribe failed",
					zap.String("pattern", sub.pattern), zap.Error(err))
			}
		}()
	}
}

func (m *Module) Stop(ctx context.Context) error {
	if m.client != nil && m.client.IsConnected() {
		// Allow in-flight publishes a moment to drain.
		m.client.Disconnect(250)
	}
	return nil
}

// Connected reports whether the broker link is up.
func (m *Module) Connected() bool {
	return m.client != nil && m.client.IsConnectionOpen()
}

// Publish marshals payload as JSON and publishes it.
func (m *Module) Publish(topic string, payload any, qos byte, retain bool) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	token := m.client.Publish(topic, qos, retain, body)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	return token.Error()
}

// commandPayload is the wire shape of an actuator command.
type commandPayload struct {
	Action    string  `json:"action"`
	Value     any     `json:"value,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// commandTopic builds the outbound actuator command topic. Firmware
// subscribes to exactly this shape, so it is part of the wire contract.
func commandTopic(deviceID, actuatorType string) string {
	return fmt.Sprintf("devices/%s/actuators/%s/cmd", deviceID, actuatorType)
}

// PublishCommand sends an actuator command with at-least-once delivery
// and returns the command timestamp.
func (m *Module) PublishCommand(ctx context.Context, deviceID, actuatorType, action string, value any) (time.Time, error) {
	now := time.Now().UTC()
	topic := commandTopic(deviceID, actuatorType)
	p := commandPayload{
		Action:    action,
		Value:     value,
		Timestamp: float64(now.UnixNano()) / 1e9,
	}
	if err := m.Publish(topic, p, 1, false); err != nil {
		return time.Time{}, err
	}
	m.logger.Info("command published",
		zap.String("device_id", deviceID),
		zap.String("actuator_type", actuatorType),
		zap.String("action", action))
	return now, nil
}

// Health reports the broker link state.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.cfg.Broker == "" {
		return plugin.HealthStatus{Status: "degraded", Message: "no broker configured"}
	}
	if !m.Connected() {
		return plugin.HealthStatus{Status: "unhealthy", Message: "broker not connected"}
	}
	return plugin.HealthStatus{Status: "healthy", Details: map[string]string{
		"broker": m.cfg.BrokerURL(),
	}}
}

// RegisterMetrics exposes the ingest counters on a Prometheus registry.
func (m *Module) RegisterMetrics(reg prometheus.Registerer) error {
	return m.dispatcher.RegisterMetrics(reg)
}
