// Package mcp exposes the device fleet to AI tools over the Model Context
// Protocol, via stdio or streamable HTTP transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/edgebridge/edgebridge/internal/fleet"
	"github.com/edgebridge/edgebridge/pkg/models"
	"github.com/edgebridge/edgebridge/pkg/plugin"
)

// defaultToolTimeout bounds each tool invocation.
const defaultToolTimeout = 5 * time.Second

// Compile-time interface guard.
var _ plugin.Plugin = (*Module)(nil)

// DeviceQuerier reads live device state. Implemented by the fleet
// registry; wired by the composition root.
type DeviceQuerier interface {
	Get(deviceID string) (models.Device, bool)
	List(onlineOnly bool) []models.Device
	Query(sensorType, actuatorType string, onlineOnly bool) []models.Device
	Counts() (total, online int)
	MetricsSnapshot() []models.DeviceMetrics
}

// HistoryQuerier reads persisted telemetry. Implemented by the fleet store.
type HistoryQuerier interface {
	GetSensorData(ctx context.Context, deviceID, sensorType string, since time.Time, limit int) ([]models.SensorReading, error)
	GetDeviceErrors(ctx context.Context, deviceID string, minSeverity models.Severity, since time.Time, limit int) ([]models.DeviceError, error)
	GetCapabilities(ctx context.Context, deviceID string) (*models.DeviceCapabilities, error)
	ListMetrics(ctx context.Context, deviceID string) ([]models.DeviceMetrics, error)
	Stats(ctx context.Context) (fleet.StoreStats, error)
	Ping(ctx context.Context) error
}

// Commander publishes actuator commands. Implemented by a composition
// root adapter over the mqtt module so the per-device sent counter is
// bumped alongside the publish.
type Commander interface {
	PublishCommand(ctx context.Context, deviceID, actuatorType, action string, value any) (time.Time, error)
	Connected() bool
}

// Module implements the MCP server plugin.
type Module struct {
	logger      *zap.Logger
	bus         plugin.EventBus
	querier     DeviceQuerier
	history     HistoryQuerier
	commander   Commander
	server      *sdkmcp.Server
	apiKey      string
	toolTimeout time.Duration
	auditStore  *AuditStore
	startedAt   time.Time
}

// New creates a new MCP plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "mcp",
		Version:      "0.1.0",
		Description:  "Model Context Protocol server exposing fleet tools",
		Dependencies: []string{"fleet", "mqtt"},
		APIVersion:   plugin.APIVersion,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus

	m.toolTimeout = defaultToolTimeout
	if deps.Config != nil {
		m.apiKey = deps.Config.GetString("api_key")
		if d := deps.Config.GetDuration("tool_timeout"); d > 0 {
			m.toolTimeout = d
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(context.Background(), "mcp", migrations()); err != nil {
			return fmt.Errorf("mcp migrations: %w", err)
		}
		m.auditStore = NewAuditStore(deps.Store.DB())
	}

	m.logger.Info("mcp module initialized")
	return nil
}

// SetQuerier injects the live device registry. Called from the
// composition root to wire the fleet module without cross-internal imports.
func (m *Module) SetQuerier(q DeviceQuerier) {
	m.querier = q
}

// SetHistory injects the persistence layer.
func (m *Module) SetHistory(h HistoryQuerier) {
	m.history = h
}

// SetCommander injects the actuator command path.
func (m *Module) SetCommander(c Commander) {
	m.commander = c
}

func (m *Module) Start(_ context.Context) error {
	m.server = sdkmcp.NewServer(
		&sdkmcp.Implementation{
			Name:    "edgebridge",
			Version: "0.1.0",
		},
		nil,
	)
	m.startedAt = time.Now()
	m.registerTools()

	m.logger.Info("mcp module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("mcp module stopped")
	return nil
}

// Run serves the MCP protocol on stdio until ctx is canceled.
func (m *Module) Run(ctx context.Context) error {
	if m.server == nil {
		return fmt.Errorf("mcp server not started")
	}
	return m.server.Run(ctx, &sdkmcp.StdioTransport{})
}

// Handler returns the streamable HTTP handler, wrapped with optional
// bearer token auth.
func (m *Module) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != m.apiKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		if m.server == nil {
			http.Error(w, `{"error":"mcp server not started"}`, http.StatusServiceUnavailable)
			return
		}
		sdkmcp.NewStreamableHTTPHandler(
			func(_ *http.Request) *sdkmcp.Server { return m.server },
			nil,
		).ServeHTTP(w, r)
	})
}

// withDeadline bounds one tool invocation.
func (m *Module) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.toolTimeout)
}

// publishToolCall emits an event when an MCP tool is invoked.
func (m *Module) publishToolCall(toolName string, params any) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(context.Background(), plugin.Event{
		Topic:     "mcp.tool.called",
		Source:    "mcp",
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"tool":   toolName,
			"params": params,
		},
	})
}

// auditToolCall persists a tool invocation record. No-op without a store.
func (m *Module) auditToolCall(tool string, input any, start time.Time, res *sdkmcp.CallToolResult) {
	if m.auditStore == nil {
		return
	}
	errMsg := ""
	if res.IsError {
		errMsg = firstText(res)
	}
	entry := AuditEntry{
		Timestamp:    start,
		ToolName:     tool,
		InputJSON:    writeToolJSON(input),
		DurationMs:   time.Since(start).Milliseconds(),
		Success:      !res.IsError,
		ErrorMessage: errMsg,
	}
	// Deliberately detached from the tool deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.auditStore.Insert(ctx, entry); err != nil {
		m.logger.Warn("failed to write audit log", zap.Error(err))
	}
}

// finish audits and publishes the tool invocation, then returns the result.
func (m *Module) finish(tool string, input any, start time.Time, res *sdkmcp.CallToolResult) (*sdkmcp.CallToolResult, any, error) {
	m.publishToolCall(tool, input)
	m.auditToolCall(tool, input, start, res)
	return res, nil, nil
}

func firstText(res *sdkmcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// writeToolJSON marshals v to JSON for tool responses.
func writeToolJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to marshal response"}`
	}
	return string(data)
}
