package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/nodercif/sensorrelay/internal/domain"
)

// Wire field names sent by the field devices.
const (
	FieldID          = "id"
	FieldTimestamp   = "timestamp"
	FieldTemperature = "temperatura"
	FieldPressure    = "presion"
	FieldHumidity    = "humedad"
)

var requiredFields = []string{FieldID, FieldTimestamp, FieldTemperature, FieldPressure, FieldHumidity}

// Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
}

// DecodeMeasurement turns a verified body into a Measurement. Type errors on
// fields that are present are reported before missing fields.
func DecodeMeasurement(body []byte) (domain.Measurement, error) {
	if !utf8.Valid(body) {
		return domain.Measurement{}, &DecodeError{Kind: DecodeMalformed, Err: errors.New("body is not valid UTF-8")}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Measurement{}, &DecodeError{Kind: DecodeMalformed, Err: err}
	}
	if raw == nil {
		return domain.Measurement{}, &DecodeError{Kind: DecodeMalformed, Err: errors.New("body is not an object")}
	}

	var (
		m   domain.Measurement
		err error
	)
	for _, name := range requiredFields {
		value, ok := raw[name]
		if !ok {
			continue
		}
		switch name {
		case FieldID:
			m.SensorID, err = decodeInt(value)
		case FieldTimestamp:
			m.Timestamp, err = decodeTimestamp(value)
		case FieldTemperature:
			m.Temperature, err = decodeFloat(value)
		case FieldPressure:
			m.Pressure, err = decodeFloat(value)
		case FieldHumidity:
			m.Humidity, err = decodeFloat(value)
		}
		if err != nil {
			return domain.Measurement{}, &DecodeError{Kind: DecodeTypeMismatch, Field: name, Err: err}
		}
	}

	for _, name := range requiredFields {
		if _, ok := raw[name]; !ok {
			return domain.Measurement{}, &DecodeError{Kind: DecodeMissingField, Field: name}
		}
	}

	return m, nil
}

func decodeNumber(raw json.RawMessage) (json.Number, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", fmt.Errorf("want number, got %s", jsonKind(v))
	}
	return n, nil
}

func decodeInt(raw json.RawMessage) (int64, error) {
	n, err := decodeNumber(raw)
	if err != nil {
		return 0, err
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("want integer, got %s", n)
	}
	return i, nil
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	n, err := decodeNumber(raw)
	if err != nil {
		return 0, err
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) {
		return 0, fmt.Errorf("number %s out of range", n)
	}
	return f, nil
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}

	secs, err := decodeInt(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want unix seconds or ISO-8601 string: %w", err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
