package sensorrelay

import (
	"context"
	"crypto"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	base "github.com/nodercif/sensorrelay/pkg/sensorrelay"
)

// Re-exported errors for convenience.
var (
	ErrKeyNotFound        = base.ErrKeyNotFound
	ErrInvalidSignature   = base.ErrInvalidSignature
	ErrJournalFull        = base.ErrJournalFull
	ErrJournalLocked      = base.ErrJournalLocked
	ErrJournalDisabled    = base.ErrJournalDisabled
	ErrChannelStoreClosed = base.ErrChannelStoreClosed
)

// Type aliases so consumers can import github.com/nodercif/sensorrelay directly.
type (
	Config             = base.Config
	RelayConfig        = base.RelayConfig
	KeysConfig         = base.KeysConfig
	OPCUAConfig        = base.OPCUAConfig
	OPCUAPoints        = base.OPCUAPoints
	StoreConfig        = base.StoreConfig
	MetricsConfig      = base.MetricsConfig
	DeadLetterConfig   = base.DeadLetterConfig
	LogConfig          = base.LogConfig
	Flow               = base.Flow
	FlowOption         = base.FlowOption
	Runtime            = base.Runtime
	RuntimeOption      = base.RuntimeOption
	Measurement        = base.Measurement
	ForwardOutcome     = base.ForwardOutcome
	DeadLetter         = base.DeadLetter
	LiveEndpoint       = base.LiveEndpoint
	LiveSession        = base.LiveSession
	WritablePoint      = base.WritablePoint
	Store              = base.Store
	Journal            = base.Journal
	JournalEntryID     = base.JournalEntryID
	JournalStats       = base.JournalStats
	Observability      = base.Observability
	Field              = base.Field
	MeasurementHandler = base.MeasurementHandler
	ReplayReport       = base.ReplayReport
)

const (
	Delivered          = base.Delivered
	LiveEndpointFailed = base.LiveEndpointFailed
	StoreFailed        = base.StoreFailed
	BothFailed         = base.BothFailed

	DriverSQLite   = base.DriverSQLite
	DriverPostgres = base.DriverPostgres
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	return base.NewLogger(cfg)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithLiveEndpoint(live LiveEndpoint) RuntimeOption {
	return base.WithLiveEndpoint(live)
}

func WithStore(s Store) RuntimeOption {
	return base.WithStore(s)
}

func WithJournal(j Journal) RuntimeOption {
	return base.WithJournal(j)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithPublicKey(pub crypto.PublicKey) RuntimeOption {
	return base.WithPublicKey(pub)
}

func WithLogger(l *zap.Logger) RuntimeOption {
	return base.WithLogger(l)
}

func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithRegistry(reg)
}

func WithListenAddress(addr string) RuntimeOption {
	return base.WithListenAddress(addr)
}

// Stores and the dead-letter journal.
func OpenStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	return base.OpenStore(cfg, logger)
}

func OpenJournal(cfg DeadLetterConfig) (Journal, error) {
	return base.OpenJournal(cfg)
}

func NewCallbackStore(name string, fn MeasurementHandler) Store {
	return base.NewCallbackStore(name, fn)
}

func NewChannelStore(name string, buffer int) (Store, <-chan Measurement, func()) {
	return base.NewChannelStore(name, buffer)
}

func PendingDeadLetters(j Journal, fn func(id JournalEntryID, dl *DeadLetter) error) error {
	return base.PendingDeadLetters(j, fn)
}

func ReplayDeadLetters(ctx context.Context, j Journal, s Store, writeTimeout time.Duration) (ReplayReport, error) {
	return base.ReplayDeadLetters(ctx, j, s, writeTimeout)
}
