// Package mqtt connects to the broker, subscribes to the device telemetry
// topics, decodes payloads, and forwards them to the fleet sink. It also
// publishes actuator commands on behalf of the MCP tools.
package mqtt

import (
	"fmt"
	"time"
)

// Config holds broker connection settings.
type Config struct {
	Broker               string        `mapstructure:"broker"`
	Port                 int           `mapstructure:"port"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	ClientID             string        `mapstructure:"client_id"`
	UseTLS               bool          `mapstructure:"use_tls"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
}

// DefaultConfig returns settings for a local unauthenticated broker.
func DefaultConfig() Config {
	return Config{
		Broker:               "",
		Port:                 1883,
		ClientID:             "edgebridge",
		ConnectTimeout:       10 * time.Second,
		PublishTimeout:       5 * time.Second,
		MaxReconnectInterval: time.Minute,
	}
}

// BrokerURL renders the paho broker address.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.UseTLS {
		scheme = "ssl"
	}
	port := c.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker, port)
}
