// Package config provides configuration loading for flowd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. See LoadWithFile for precedence and security rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete flowd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Engine        EngineConfig        `koanf:"engine"`
	Store         StoreConfig         `koanf:"store"`
	NATS          NATSConfig          `koanf:"nats"`
	Audit         AuditConfig         `koanf:"audit"`
	Redact        RedactConfig        `koanf:"redact"`
	Specialists   []SpecialistConfig  `koanf:"specialists"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure        bool   `koanf:"insecure"`
}

// EngineConfig holds orchestration policy settings.
type EngineConfig struct {
	SpecialistTimeout  Duration `koanf:"specialist_timeout"`
	DefaultMaxRetries  int      `koanf:"default_max_retries"`
	DispatchRate       float64  `koanf:"dispatch_rate"`  // specialist invocations per second
	DispatchBurst      int      `koanf:"dispatch_burst"`
	MaxRecommendations int      `koanf:"max_recommendations"`
	MinConfidence      float64  `koanf:"min_confidence"`
}

// StoreConfig holds context store tier budgets in semantic units.
type StoreConfig struct {
	QuickBudget int `koanf:"quick_budget"`
	FullBudget  int `koanf:"full_budget"`
}

// NATSConfig holds the NATS connection settings. The same connection carries
// specialist dispatch and, when enabled, audit event publishing.
type NATSConfig struct {
	URL   string `koanf:"url"`
	Token Secret `koanf:"token"`
}

// AuditConfig holds audit trail publishing and archival settings.
type AuditConfig struct {
	PublishEnabled bool   `koanf:"publish_enabled"`
	SubjectPrefix  string `koanf:"subject_prefix"`
	ArchiveDir     string `koanf:"archive_dir"` // empty disables archival
}

// RedactConfig holds sensitivity detection settings.
type RedactConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// SpecialistConfig declares one capability provider for the registry.
type SpecialistConfig struct {
	Name         string   `koanf:"name"`
	Capabilities []string `koanf:"capabilities"`
	Weight       float64  `koanf:"weight"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Service name is empty when telemetry is enabled
//   - Engine or store numeric settings are out of range
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Engine.SpecialistTimeout.Duration() <= 0 {
		return errors.New("engine.specialist_timeout must be positive")
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return fmt.Errorf("engine.default_max_retries must be >= 0, got %d", c.Engine.DefaultMaxRetries)
	}
	if c.Engine.DispatchRate <= 0 {
		return fmt.Errorf("engine.dispatch_rate must be positive, got %f", c.Engine.DispatchRate)
	}
	if c.Engine.DispatchBurst < 1 {
		return fmt.Errorf("engine.dispatch_burst must be >= 1, got %d", c.Engine.DispatchBurst)
	}
	if c.Engine.MinConfidence < 0 || c.Engine.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be in [0,1], got %f", c.Engine.MinConfidence)
	}
	if c.Engine.MaxRecommendations < 1 {
		return fmt.Errorf("engine.max_recommendations must be >= 1, got %d", c.Engine.MaxRecommendations)
	}

	if c.Store.QuickBudget <= 0 {
		return fmt.Errorf("store.quick_budget must be positive, got %d", c.Store.QuickBudget)
	}
	if c.Store.FullBudget <= c.Store.QuickBudget {
		return fmt.Errorf("store.full_budget (%d) must exceed store.quick_budget (%d)",
			c.Store.FullBudget, c.Store.QuickBudget)
	}

	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}

	return nil
}
