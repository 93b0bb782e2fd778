package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestNewLogger_defaults(t *testing.T) {
	v := viper.New()
	logger, err := NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger with defaults: %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(0) { // InfoLevel
		t.Error("default logger should enable info level")
	}
}

func TestNewLogger_levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			v := viper.New()
			v.Set("logging.level", level)
			if _, err := NewLogger(v); err != nil {
				t.Errorf("NewLogger(level=%q): %v", level, err)
			}
		})
	}
}

func TestNewLogger_invalid_level(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "verbose")
	if _, err := NewLogger(v); err == nil {
		t.Error("expected error for invalid level, got nil")
	}
}

func TestNewLogger_invalid_format(t *testing.T) {
	v := viper.New()
	v.Set("logging.format", "xml")
	if _, err := NewLogger(v); err == nil {
		t.Error("expected error for invalid format, got nil")
	}
}

func TestNewLogger_console_format(t *testing.T) {
	v := viper.New()
	v.Set("logging.format", "console")
	if _, err := NewLogger(v); err != nil {
		t.Errorf("NewLogger(format=console): %v", err)
	}
}
