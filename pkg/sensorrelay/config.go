package sensorrelay

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nodercif/sensorrelay/internal/adapters/opcua"
	"github.com/nodercif/sensorrelay/internal/app/config"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// RelayConfig controls the TCP listener and framing.
	RelayConfig = config.RelayConfig
	// KeysConfig lists where the verification key is searched for.
	KeysConfig = config.KeysConfig
	// OPCUAConfig holds connection and point details for the live endpoint.
	OPCUAConfig = opcua.Config
	// OPCUAPoints maps measured quantities to OPC UA node ids.
	OPCUAPoints = opcua.Points
	StoreConfig = config.StoreConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig    = config.MetricsConfig
	DeadLetterConfig = config.DeadLetterConfig
	LogConfig        = config.LogConfig
)

const (
	DriverSQLite   = config.DriverSQLite
	DriverPostgres = config.DriverPostgres
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the settings of a stock field installation.
func DefaultConfig() *Config {
	return config.Default()
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}
