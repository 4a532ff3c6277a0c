package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nodercif/sensorrelay/internal/adapters/opcua"
	"github.com/nodercif/sensorrelay/internal/adapters/store"
	"github.com/nodercif/sensorrelay/internal/protocol"
)

type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Keys       KeysConfig       `yaml:"keys"`
	OPCUA      opcua.Config     `yaml:"opcua"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
	Log        LogConfig        `yaml:"log"`
}

type RelayConfig struct {
	BindAddress    string        `yaml:"bind_address"`
	BindPort       int           `yaml:"bind_port"`
	Framing        string        `yaml:"framing"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBodyBytes   int           `yaml:"max_body_bytes"`
	MaxConnections int           `yaml:"max_connections"`
}

func (r RelayConfig) ListenAddress() string {
	return net.JoinHostPort(r.BindAddress, strconv.Itoa(r.BindPort))
}

type KeysConfig struct {
	SearchPaths []string `yaml:"search_paths"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	ConnString   string        `yaml:"conn_string"`
	Table        string        `yaml:"table"`
	PoolSize     int           `yaml:"pool_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

type DeadLetterConfig struct {
	Dir          string `yaml:"dir"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	Disabled     bool   `yaml:"disabled"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultKeySearchPaths matches the layout of existing field installations.
var DefaultKeySearchPaths = []string{"Seguridad/clave_publica.pem", "clave_publica.pem"}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Relay.BindAddress == "" {
		c.Relay.BindAddress = "127.0.0.1"
	}
	if c.Relay.BindPort == 0 {
		c.Relay.BindPort = 8080
	}
	if c.Relay.Framing == "" {
		c.Relay.Framing = string(protocol.FramingSelfDelimiting)
	}
	if c.Relay.ReadTimeout == 0 {
		c.Relay.ReadTimeout = 10 * time.Second
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = 5 * time.Second
	}
	if c.Relay.MaxBodyBytes == 0 {
		c.Relay.MaxBodyBytes = protocol.DefaultMaxBodyBytes
	}
	if c.Relay.MaxConnections == 0 {
		c.Relay.MaxConnections = 256
	}
	if len(c.Keys.SearchPaths) == 0 {
		c.Keys.SearchPaths = append([]string(nil), DefaultKeySearchPaths...)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "./datos.db"
	}
	if c.Store.Table == "" {
		c.Store.Table = store.DefaultTable
	}
	if c.Store.WriteTimeout == 0 {
		c.Store.WriteTimeout = 5 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9100"
	}
	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = "./data/deadletters"
	}
	if c.DeadLetter.MaxSizeBytes == 0 {
		c.DeadLetter.MaxSizeBytes = 64 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	c.OPCUA.ApplyDefaults()
}

func (c *Config) validate() error {
	var errs []error

	if c.Relay.BindPort < 0 || c.Relay.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("relay.bind_port %d out of range", c.Relay.BindPort))
	}
	if _, err := protocol.ParseFraming(c.Relay.Framing); err != nil {
		errs = append(errs, fmt.Errorf("relay.framing: %w", err))
	}
	if c.Relay.ReadTimeout < 0 || c.Relay.WriteTimeout < 0 {
		errs = append(errs, errors.New("relay timeouts must not be negative"))
	}
	if c.Relay.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("relay.max_body_bytes must not be negative"))
	}
	if c.Relay.MaxConnections < 0 {
		errs = append(errs, errors.New("relay.max_connections must not be negative"))
	}

	if err := c.OPCUA.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("opcua config: %w", err))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.ConnString == "" {
			errs = append(errs, errors.New("store.conn_string is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if err := store.ValidateTableName(c.Store.Table); err != nil {
		errs = append(errs, fmt.Errorf("store.table: %w", err))
	}

	if !c.Metrics.Disabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required"))
	}
	if !c.DeadLetter.Disabled && c.DeadLetter.Dir == "" {
		errs = append(errs, errors.New("deadletter.dir is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// Validate re-runs validation after programmatic edits such as CLI overrides.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}
