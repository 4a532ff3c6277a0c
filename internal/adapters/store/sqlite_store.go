package store

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
)

type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to max(NumCPU, 4). SQLite serialises writers
	// regardless; extra connections only help concurrent readers.
	PoolSize int
	Table    string
	Logger   *zap.Logger
}

// SQLiteStore is the default durable store. Every pooled connection runs
// in WAL mode with a busy timeout, so concurrent Insert calls queue inside
// SQLite instead of failing.
type SQLiteStore struct {
	pool      *sqlitex.Pool
	tableName string
	path      string
	log       *zap.Logger
}

func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite store opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))
	return &SQLiteStore{pool: pool, tableName: table, path: cfg.Path, log: logger}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: ensure schema: %w", err)
	}
	defer s.pool.Put(conn)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		id_sensor INTEGER,
		timestamp INTEGER,
		temperatura REAL,
		presion REAL,
		humedad REAL
	);
	CREATE INDEX IF NOT EXISTS %[1]s_timestamp ON %[1]s (timestamp);`, s.tableName)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite store: ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, m domain.Measurement) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	query := fmt.Sprintf(`INSERT INTO %s (id_sensor, timestamp, temperatura, presion, humedad)
		VALUES (?, ?, ?, ?, ?)`, s.tableName)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{m.SensorID, m.Timestamp.Unix(), m.Temperature, m.Pressure, m.Humidity},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FetchAll(ctx context.Context) ([]domain.Measurement, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetch: %w", err)
	}
	defer s.pool.Put(conn)

	query := fmt.Sprintf(`SELECT id_sensor, timestamp, temperatura, presion, humedad
		FROM %s ORDER BY timestamp DESC`, s.tableName)

	var out []domain.Measurement
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, measurementFromRow(
				stmt.ColumnInt64(0),
				stmt.ColumnInt64(1),
				stmt.ColumnFloat(2),
				stmt.ColumnFloat(3),
				stmt.ColumnFloat(4),
			))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetch: %w", err)
	}
	return out, nil
}

// Close blocks until every borrowed connection has been returned.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	s.log.Info("sqlite store closed", zap.String("path", s.path))
	return nil
}

var _ ports.Store = (*SQLiteStore)(nil)
