package store

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nodercif/sensorrelay/internal/domain"
)

// DefaultTable keeps the column layout of existing deployments:
// mediciones(id_sensor, timestamp, temperatura, presion, humedad).
const DefaultTable = "mediciones"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName rejects anything that is not a plain SQL identifier,
// since the table name is interpolated into statements.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func measurementFromRow(sensorID, ts int64, temperature, pressure, humidity float64) domain.Measurement {
	return domain.Measurement{
		SensorID:    sensorID,
		Timestamp:   time.Unix(ts, 0).UTC(),
		Temperature: temperature,
		Pressure:    pressure,
		Humidity:    humidity,
	}
}
