package sensorrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nodercif/sensorrelay/internal/adapters/deadletter"
	"github.com/nodercif/sensorrelay/internal/adapters/store"
)

// ErrChannelStoreClosed is returned when a channel store is written to after being closed.
var ErrChannelStoreClosed = errors.New("sensorrelay: channel store closed")

// ErrJournalDisabled is returned by dead-letter operations when no journal is configured.
var ErrJournalDisabled = errors.New("sensorrelay: dead-letter journal disabled")

// MeasurementHandler receives one measurement per call.
type MeasurementHandler func(ctx context.Context, m Measurement) error

// OpenStore opens the durable store named by cfg.Driver.
func OpenStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return store.OpenSQLiteStore(store.SQLiteConfig{
			Path:     cfg.Path,
			PoolSize: cfg.PoolSize,
			Table:    cfg.Table,
			Logger:   logger,
		})
	case DriverPostgres:
		db, err := sql.Open("postgres", cfg.ConnString)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if cfg.PoolSize > 0 {
			db.SetMaxOpenConns(cfg.PoolSize)
		}
		s, err := store.NewPostgresStore(db, cfg.Table)
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenJournal opens the file-backed dead-letter journal, or returns
// ErrJournalDisabled when the config turns it off.
func OpenJournal(cfg DeadLetterConfig) (Journal, error) {
	if cfg.Disabled {
		return nil, ErrJournalDisabled
	}
	j, err := deadletter.Open(cfg.Dir, deadletter.Options{MaxSizeBytes: cfg.MaxSizeBytes})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// NewCallbackStore adapts a MeasurementHandler into a Store so callers can
// plug arbitrary functions without defining structs. FetchAll returns
// nothing; the handler owns the data.
func NewCallbackStore(name string, fn MeasurementHandler) Store {
	if name == "" {
		name = "callback"
	}
	return &callbackStore{name: name, fn: fn}
}

// NewChannelStore exposes measurements via a channel; it returns the store,
// the read-only channel, and a close function that the caller should invoke
// during shutdown.
func NewChannelStore(name string, buffer int) (Store, <-chan Measurement, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Measurement, buffer)
	s := &channelStore{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackStore struct {
	name string
	fn   MeasurementHandler
}

func (s *callbackStore) EnsureSchema(context.Context) error { return nil }

func (s *callbackStore) Insert(ctx context.Context, m Measurement) error {
	if s.fn == nil {
		return fmt.Errorf("callback store %q: nil handler", s.name)
	}
	return s.fn(ctx, m)
}

func (s *callbackStore) FetchAll(context.Context) ([]Measurement, error) { return nil, nil }
func (s *callbackStore) Name() string                                    { return s.name }
func (s *callbackStore) Close() error                                    { return nil }

type channelStore struct {
	name   string
	ch     chan Measurement
	closed chan struct{}
	once   sync.Once
	// mu guards sends against the close of ch.
	mu sync.RWMutex
}

func (s *channelStore) EnsureSchema(context.Context) error { return nil }

func (s *channelStore) Insert(ctx context.Context, m Measurement) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelStoreClosed
	default:
	}

	select {
	case <-s.closed:
		return ErrChannelStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- m:
		return nil
	}
}

func (s *channelStore) FetchAll(context.Context) ([]Measurement, error) { return nil, nil }
func (s *channelStore) Name() string                                    { return s.name }

func (s *channelStore) Close() error {
	s.close()
	return nil
}

func (s *channelStore) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
