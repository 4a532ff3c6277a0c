package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
)

// PostgresStore writes measurements to Postgres or TimescaleDB through
// database/sql. The caller opens db with the "postgres" driver.
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, tableName: table}, nil
}

func (p *PostgresStore) Name() string { return "postgres" }

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+p.tableName+
		" (id_sensor BIGINT NOT NULL, timestamp BIGINT NOT NULL, temperatura DOUBLE PRECISION NOT NULL,"+
		" presion DOUBLE PRECISION NOT NULL, humedad DOUBLE PRECISION NOT NULL)")
	if err != nil {
		return fmt.Errorf("postgres store: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, m domain.Measurement) error {
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO "+p.tableName+" (id_sensor, timestamp, temperatura, presion, humedad) VALUES ($1,$2,$3,$4,$5)",
		m.SensorID, m.Timestamp.Unix(), m.Temperature, m.Pressure, m.Humidity)
	if err != nil {
		return fmt.Errorf("postgres store: insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) FetchAll(ctx context.Context) ([]domain.Measurement, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT id_sensor, timestamp, temperatura, presion, humedad FROM "+p.tableName+" ORDER BY timestamp DESC")
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetch: %w", err)
	}
	defer rows.Close()

	var out []domain.Measurement
	for rows.Next() {
		var (
			sensorID, ts                    int64
			temperature, pressure, humidity float64
		)
		if err := rows.Scan(&sensorID, &ts, &temperature, &pressure, &humidity); err != nil {
			return nil, fmt.Errorf("postgres store: scan: %w", err)
		}
		out = append(out, measurementFromRow(sensorID, ts, temperature, pressure, humidity))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: fetch: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

var _ ports.Store = (*PostgresStore)(nil)
