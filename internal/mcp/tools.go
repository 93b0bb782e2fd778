package mcp

import (
	"context"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edgebridge/edgebridge/internal/fleet"
	"github.com/edgebridge/edgebridge/pkg/models"
)

// Tool input types.

type listDevicesInput struct {
	OnlineOnly bool `json:"online_only,omitempty" jsonschema:"Only return devices currently online"`
}

type readSensorInput struct {
	DeviceID       string `json:"device_id" jsonschema:"The unique device identifier"`
	SensorType     string `json:"sensor_type" jsonschema:"Sensor type, e.g. temperature or humidity"`
	HistoryMinutes int    `json:"history_minutes,omitempty" jsonschema:"Also return stored readings from the last N minutes"`
}

type controlActuatorInput struct {
	DeviceID     string `json:"device_id" jsonschema:"The unique device identifier"`
	ActuatorType string `json:"actuator_type" jsonschema:"Actuator type, e.g. led or relay"`
	Action       string `json:"action" jsonschema:"Command action, e.g. on, off, toggle, set"`
	Value        any    `json:"value,omitempty" jsonschema:"Optional action parameter, e.g. a brightness level"`
}

type getDeviceInfoInput struct {
	DeviceID string `json:"device_id" jsonschema:"The unique device identifier"`
}

type queryDevicesInput struct {
	SensorType   string `json:"sensor_type,omitempty" jsonschema:"Only devices advertising this sensor"`
	ActuatorType string `json:"actuator_type,omitempty" jsonschema:"Only devices advertising this actuator"`
	OnlineOnly   bool   `json:"online_only,omitempty" jsonschema:"Only devices currently online"`
}

type getAlertsInput struct {
	DeviceID     string `json:"device_id,omitempty" jsonschema:"Filter by device ID"`
	SeverityMin  *int   `json:"severity_min,omitempty" jsonschema:"Minimum severity 0-3 (default 0)"`
	SinceMinutes int    `json:"since_minutes,omitempty" jsonschema:"Only alerts from the last N minutes (default 1440)"`
	Limit        int    `json:"limit,omitempty" jsonschema:"Maximum alerts to return (default 50, max 500)"`
}

type getDeviceMetricsInput struct {
	DeviceID string `json:"device_id,omitempty" jsonschema:"Filter by device ID"`
}

// deviceSummary is the list/query projection of a device.
type deviceSummary struct {
	DeviceID     string                    `json:"device_id"`
	IsOnline     bool                      `json:"is_online"`
	LastSeen     time.Time                 `json:"last_seen"`
	Sensors      []string                  `json:"sensors"`
	Actuators    []string                  `json:"actuators"`
	Capabilities models.DeviceCapabilities `json:"capabilities"`
}

func summarize(devices []models.Device) []deviceSummary {
	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceSummary{
			DeviceID:     d.DeviceID,
			IsOnline:     d.Online,
			LastSeen:     d.LastSeen,
			Sensors:      d.Capabilities.Sensors,
			Actuators:    d.Capabilities.Actuators,
			Capabilities: d.Capabilities,
		})
	}
	return out
}

// registerTools adds all MCP tools to the server.
func (m *Module) registerTools() {
	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "list_devices",
		Description: "List all known IoT devices with their liveness, capabilities, and latest telemetry summary.",
	}, m.handleListDevices)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "read_sensor",
		Description: "Read the latest value of one sensor on a device, optionally with stored history from the last N minutes.",
	}, m.handleReadSensor)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "control_actuator",
		Description: "Send a command to a device actuator over MQTT. The device must be online and advertise the actuator.",
	}, m.handleControlActuator)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "get_device_info",
		Description: "Get full detail for one device: capabilities, latest readings, actuator states, recent errors, and liveness.",
	}, m.handleGetDeviceInfo)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "query_devices",
		Description: "Find devices by advertised capability. Filter by sensor type, actuator type, and liveness.",
	}, m.handleQueryDevices)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "get_alerts",
		Description: "Get recent device error reports, optionally filtered by device, minimum severity, and time window.",
	}, m.handleGetAlerts)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "get_system_status",
		Description: "Get bridge health: MQTT broker connectivity, device counts, database statistics, and uptime.",
	}, m.handleGetSystemStatus)

	sdkmcp.AddTool(m.server, &sdkmcp.Tool{
		Name:        "get_device_metrics",
		Description: "Get per-device message counters tracked by the bridge: messages sent/received, failures, last activity.",
	}, m.handleGetDeviceMetrics)
}

func (m *Module) handleListDevices(ctx context.Context, _ *sdkmcp.CallToolRequest, input listDevicesInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	if m.querier == nil {
		return m.finish("list_devices", input, start, errorResult("Device registry not available. The fleet module may not be loaded."))
	}

	devices := m.querier.List(input.OnlineOnly)
	total, online := m.querier.Counts()

	resp := struct {
		Devices []deviceSummary `json:"devices"`
		Total   int             `json:"total"`
		Online  int             `json:"online"`
	}{
		Devices: summarize(devices),
		Total:   total,
		Online:  online,
	}
	return m.finish("list_devices", input, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleReadSensor(ctx context.Context, _ *sdkmcp.CallToolRequest, input readSensorInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	if m.querier == nil {
		return m.finish("read_sensor", input, start, errorResult("Device registry not available. The fleet module may not be loaded."))
	}

	device, ok := m.querier.Get(input.DeviceID)
	if !ok {
		return m.finish("read_sensor", input, start,
			errorResult(fmt.Sprintf("%v: %q", fleet.ErrDeviceNotFound, input.DeviceID)))
	}

	current, hasReading := device.SensorReadings[input.SensorType]
	if !hasReading && !device.HasSensor(input.SensorType) {
		return m.finish("read_sensor", input, start,
			errorResult(fmt.Sprintf("%v: device %q has no sensor %q", fleet.ErrSensorNotFound, input.DeviceID, input.SensorType)))
	}

	resp := struct {
		DeviceID     string                 `json:"device_id"`
		SensorType   string                 `json:"sensor_type"`
		CurrentValue *float64               `json:"current_value,omitempty"`
		Unit         string                 `json:"unit,omitempty"`
		Quality      float64                `json:"quality,omitempty"`
		Timestamp    *time.Time             `json:"timestamp,omitempty"`
		History      []models.SensorReading `json:"history,omitempty"`
	}{
		DeviceID:   input.DeviceID,
		SensorType: input.SensorType,
	}
	if hasReading {
		resp.CurrentValue = &current.Value
		resp.Unit = current.Unit
		resp.Quality = current.Quality
		resp.Timestamp = &current.Timestamp
	}

	if input.HistoryMinutes > 0 && m.history != nil {
		since := time.Now().Add(-time.Duration(input.HistoryMinutes) * time.Minute)
		hist, err := m.history.GetSensorData(ctx, input.DeviceID, input.SensorType, since, 0)
		if err != nil {
			return m.finish("read_sensor", input, start,
				errorResult(fmt.Sprintf("failed to read sensor history: %v", err)))
		}
		resp.History = hist
	}
	return m.finish("read_sensor", input, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleControlActuator(ctx context.Context, _ *sdkmcp.CallToolRequest, input controlActuatorInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	if m.querier == nil || m.commander == nil {
		return m.finish("control_actuator", input, start, errorResult("Command path not available. The mqtt module may not be loaded."))
	}
	if input.Action == "" {
		return m.finish("control_actuator", input, start, errorResult("action is required"))
	}

	device, ok := m.querier.Get(input.DeviceID)
	if !ok {
		return m.finish("control_actuator", input, start,
			errorResult(fmt.Sprintf("%v: %q", fleet.ErrDeviceNotFound, input.DeviceID)))
	}
	if !device.Online {
		return m.finish("control_actuator", input, start,
			errorResult(fmt.Sprintf("%v: %q", fleet.ErrDeviceOffline, input.DeviceID)))
	}
	if !device.HasActuator(input.ActuatorType) {
		return m.finish("control_actuator", input, start,
			errorResult(fmt.Sprintf("%v: device %q does not advertise %q", fleet.ErrUnknownActuator, input.DeviceID, input.ActuatorType)))
	}

	ts, err := m.commander.PublishCommand(ctx, input.DeviceID, input.ActuatorType, input.Action, input.Value)
	if err != nil {
		return m.finish("control_actuator", input, start,
			errorResult(fmt.Sprintf("failed to send command: %v", err)))
	}

	resp := struct {
		DeviceID     string    `json:"device_id"`
		ActuatorType string    `json:"actuator_type"`
		Action       string    `json:"action"`
		Value        any       `json:"value,omitempty"`
		Timestamp    time.Time `json:"timestamp"`
		Status       string    `json:"status"`
	}{
		DeviceID:     input.DeviceID,
		ActuatorType: input.ActuatorType,
		Action:       input.Action,
		Value:        input.Value,
		Timestamp:    ts,
		Status:       "command_sent",
	}
	return m.finish("control_actuator", input, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleGetDeviceInfo(ctx context.Context, _ *sdkmcp.CallToolRequest, input getDeviceInfoInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	if m.querier == nil {
		return m.finish("get_device_info", input, start, errorResult("Device registry not available. The fleet module may not be loaded."))
	}

	device, ok := m.querier.Get(input.DeviceID)
	if !ok {
		return m.finish("get_device_info", input, start,
			errorResult(fmt.Sprintf("%v: %q", fleet.ErrDeviceNotFound, input.DeviceID)))
	}

	resp := struct {
		models.Device
		StoredCapabilities *models.DeviceCapabilities `json:"stored_capabilities,omitempty"`
		RecentErrorCount   int                        `json:"recent_error_count"`
	}{
		Device:           device,
		RecentErrorCount: len(device.RecentErrors),
	}

	// Stored capabilities survive restarts; include them when the live
	// snapshot is empty.
	if m.history != nil && len(device.Capabilities.Sensors) == 0 && len(device.Capabilities.Actuators) == 0 {
		if caps, err := m.history.GetCapabilities(ctx, input.DeviceID); err == nil && caps != nil {
			resp.StoredCapabilities = caps
		}
	}
	return m.finish("get_device_info", input, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleQueryDevices(ctx context.Context, _ *sdkmcp.CallToolRequest, input queryDevicesInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	if m.querier == nil {
		return m.finish("query_devices", input, start, errorResult("Device registry not available. The fleet module may not be loaded."))
	}

	devices := m.querier.Query(input.SensorType, input.ActuatorType, input.OnlineOnly)
	resp := struct {
		Devices []deviceSummary `json:"devices"`
		Count   int             `json:"count"`
	}{
		Devices: summarize(devices),
		Count:   len(devices),
	}
	return m.finish("query_devices", input, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleGetAlerts(ctx context.Context, _ *sdkmcp.CallToolRequest, input getAlertsInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	if m.history == nil {
		return m.finish("get_alerts", input, start, errorResult("Alert history not available. The bridge is running without a database."))
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	minutes := input.SinceMinutes
	if minutes <= 0 {
		minutes = 24 * 60
	}
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)

	minSev := models.SeverityInfo
	if input.SeverityMin != nil && models.Severity(*input.SeverityMin).Valid() {
		minSev = models.Severity(*input.SeverityMin)
	}

	alerts, err := m.history.GetDeviceErrors(ctx, input.DeviceID, minSev, since, limit)
	if err != nil {
		return m.finish("get_alerts", input, start,
			errorResult(fmt.Sprintf("failed to query alerts: %v", err)))
	}

	resp := struct {
		Alerts       []models.DeviceError `json:"alerts"`
		Count        int                  `json:"count"`
		SinceMinutes int                  `json:"since_minutes"`
		SeverityMin  int                  `json:"severity_min"`
	}{
		Alerts:       alerts,
		Count:        len(alerts),
		SinceMinutes: minutes,
		SeverityMin:  int(minSev),
	}
	return m.finish("get_alerts", input, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleGetSystemStatus(ctx context.Context, _ *sdkmcp.CallToolRequest, _ struct{}) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	resp := struct {
		DevicesTotal    int               `json:"devices_total"`
		DevicesOnline   int               `json:"devices_online"`
		BusConnected    bool              `json:"bus_connected"`
		StoreAccessible bool              `json:"store_accessible"`
		Database        *fleet.StoreStats `json:"database,omitempty"`
		DatabaseError   string            `json:"database_error,omitempty"`
		UptimeSeconds   int64             `json:"uptime_seconds"`
	}{
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
	}

	if m.commander != nil {
		resp.BusConnected = m.commander.Connected()
	}
	if m.querier != nil {
		resp.DevicesTotal, resp.DevicesOnline = m.querier.Counts()
	}
	if m.history != nil {
		if err := m.history.Ping(ctx); err != nil {
			resp.DatabaseError = err.Error()
		} else if stats, err := m.history.Stats(ctx); err != nil {
			resp.DatabaseError = err.Error()
		} else {
			resp.StoreAccessible = true
			resp.Database = &stats
		}
	}
	return m.finish("get_system_status", nil, start, textResult(writeToolJSON(resp)))
}

func (m *Module) handleGetDeviceMetrics(ctx context.Context, _ *sdkmcp.CallToolRequest, input getDeviceMetricsInput) (*sdkmcp.CallToolResult, any, error) {
	start := time.Now()
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	if m.querier == nil {
		return m.finish("get_device_metrics", input, start, errorResult("Device registry not available. The fleet module may not be loaded."))
	}

	metrics := m.querier.MetricsSnapshot()
	if input.DeviceID != "" {
		filtered := metrics[:0:0]
		for _, mt := range metrics {
			if mt.DeviceID == input.DeviceID {
				filtered = append(filtered, mt)
			}
		}
		metrics = filtered
	}

	// Counters reset on restart; fall back to the persisted snapshots so
	// history survives the process.
	if len(metrics) == 0 && m.history != nil {
		stored, err := m.history.ListMetrics(ctx, input.DeviceID)
		if err != nil {
			return m.finish("get_device_metrics", input, start,
				errorResult(fmt.Sprintf("failed to read stored metrics: %v", err)))
		}
		metrics = stored
	}
	if input.DeviceID != "" && len(metrics) == 0 {
		return m.finish("get_device_metrics", input, start,
			errorResult(fmt.Sprintf("%v: %q", fleet.ErrDeviceNotFound, input.DeviceID)))
	}

	resp := struct {
		Metrics []models.DeviceMetrics `json:"metrics"`
		Count   int                    `json:"count"`
	}{
		Metrics: metrics,
		Count:   len(metrics),
	}
	return m.finish("get_device_metrics", input, start, textResult(writeToolJSON(resp)))
}

// textResult creates a successful CallToolResult with text content.
func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{
			&sdkmcp.TextContent{Text: text},
		},
	}
}

// errorResult creates an error CallToolResult with text content.
func errorResult(msg string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{
			&sdkmcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
