package config

import (
	"fmt"
	"time"
)

// APIConfig holds the HTTP API server settings.
type APIConfig struct {
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
}

// Validate checks if the API configuration is valid.
func (c *APIConfig) Validate() error {
	if err := validatePort(c.Port, "api"); err != nil {
		return err
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("api timeouts must be positive")
	}

	return nil
}

// HealthConfig configures the dedicated health/metrics server.
type HealthConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"true"`
	Port          string        `envconfig:"PORT" default:"9090"`
	LivenessPath  string        `envconfig:"LIVENESS_PATH" default:"/health/live"`
	ReadinessPath string        `envconfig:"READINESS_PATH" default:"/health/ready"`
	MetricsPath   string        `envconfig:"METRICS_PATH" default:"/metrics"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"5s"`
}
