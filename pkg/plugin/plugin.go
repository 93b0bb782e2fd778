// Package plugin provides the public SDK types for EdgeBridge modules.
// Every subsystem of the bridge (mqtt, fleet, mcp) implements these
// interfaces and is composed at compile time by the lifecycle registry.
package plugin

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// APIVersion is the module API version this binary supports. The registry
// rejects modules built against a different version.
const APIVersion = 1

// Plugin defines the lifecycle interface that all EdgeBridge modules implement.
type Plugin interface {
	// Info returns the module's metadata and dependency declarations.
	Info() PluginInfo

	// Init initializes the module with its dependencies. Migrations run here.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop(ctx context.Context) error
}

// PluginInfo contains module metadata and dependency declarations.
type PluginInfo struct {
	Name         string   // Unique identifier: "mqtt", "fleet", "mcp"
	Version      string   // Semantic version string
	Description  string   // Human-readable summary
	Dependencies []string // Module names that must initialize first
	Required     bool     // If true, the bridge refuses to start without it
	APIVersion   int      // Module API version targeted
}

// Dependencies provides controlled access to shared services.
// Injected by the registry during Init.
type Dependencies struct {
	Config  Config      // Scoped to this module's config section
	Logger  *zap.Logger // Named logger for this module
	Store   Store       // Shared embedded database
	Bus     EventBus    // In-process event publish/subscribe
	Plugins Resolver    // Lookup of sibling modules
}

// HealthStatus represents a module's health report.
type HealthStatus struct {
	Status  string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthChecker is implemented by modules that can report their health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Config abstracts configuration access. Wraps Viper today.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Migration is a single schema change owned by a module. Migrations are
// applied in ascending Version order and tracked per module.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store abstracts the shared embedded database handed to modules.
type Store interface {
	// DB returns the underlying database handle for direct queries.
	DB() *sql.DB

	// Migrate applies the module's pending migrations.
	Migrate(ctx context.Context, module string, migrations []Migration) error

	// Tx runs fn inside a transaction, committing on nil and rolling
	// back otherwise.
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the bus.
type Subscriber interface {
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
}

// EventBus provides publish/subscribe between modules.
type EventBus interface {
	Publisher
	Subscriber
	PublishAsync(ctx context.Context, event Event)
	SubscribeAll(handler EventHandler) (unsubscribe func())
}

// Event represents a typed message on the event bus.
type Event struct {
	Topic     string
	Source    string // Module name that emitted the event
	Timestamp time.Time
	Payload   any // Type depends on topic
}

// EventHandler processes events from the bus.
type EventHandler func(ctx context.Context, event Event)

// Subscription declares a topic subscription for EventSubscriber modules.
type Subscription struct {
	Topic   string
	Handler EventHandler
}

// EventSubscriber is implemented by modules that consume bus events. The
// registry wires Subscriptions after Init and before Start.
type EventSubscriber interface {
	Subscriptions() []Subscription
}

// Resolver allows modules to locate sibling modules by name.
type Resolver interface {
	Resolve(name string) (Plugin, bool)
}
