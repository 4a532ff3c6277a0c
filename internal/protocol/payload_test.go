package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeMeasurement(t *testing.T) {
	m, err := DecodeMeasurement([]byte(sampleBody))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.SensorID != 1 {
		t.Fatalf("expected sensor 1, got %d", m.SensorID)
	}
	if !m.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %s", m.Timestamp)
	}
	if m.Temperature != 25 || m.Pressure != 1010 || m.Humidity != 45 {
		t.Fatalf("unexpected values %+v", m)
	}
}

func TestDecodeMeasurementISOTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		`"2024-03-01T12:30:00Z"`:       time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		`"2024-03-01T14:30:00+02:00"`:  time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		`"2024-03-01T12:30:00.250000"`: time.Date(2024, 3, 1, 12, 30, 0, 250_000_000, time.UTC),
		`"2024-03-01 12:30:00"`:        time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}
	for ts, want := range cases {
		body := `{"id":3,"timestamp":` + ts + `,"temperatura":1,"presion":2,"humedad":3}`
		m, err := DecodeMeasurement([]byte(body))
		if err != nil {
			t.Fatalf("decode %s: %v", ts, err)
		}
		if !m.Timestamp.Equal(want) {
			t.Fatalf("timestamp %s: got %s want %s", ts, m.Timestamp, want)
		}
	}
}

func TestDecodeMeasurementMissingField(t *testing.T) {
	body := `{"id":1,"timestamp":1700000000,"temperatura":25.0,"presion":1010.0}`
	_, err := DecodeMeasurement([]byte(body))
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	var decErr *DecodeError
	if !errors.As(err, &decErr) || decErr.Field != FieldHumidity {
		t.Fatalf("expected missing %q, got %v", FieldHumidity, err)
	}
}

func TestDecodeMeasurementTypeMismatch(t *testing.T) {
	cases := map[string]string{
		`{"temperatura": "hot"}`: FieldTemperature,
		`{"id":1.5,"timestamp":1,"temperatura":1,"presion":1,"humedad":1}`:         FieldID,
		`{"id":"1","timestamp":1,"temperatura":1,"presion":1,"humedad":1}`:         FieldID,
		`{"id":1,"timestamp":true,"temperatura":1,"presion":1,"humedad":1}`:        FieldTimestamp,
		`{"id":1,"timestamp":"yesterday","temperatura":1,"presion":1,"humedad":1}`: FieldTimestamp,
		`{"id":1,"timestamp":1,"temperatura":1,"presion":null,"humedad":1}`:        FieldPressure,
		`{"id":1,"timestamp":1,"temperatura":1,"presion":1,"humedad":[1]}`:         FieldHumidity,
		`{"id":1,"timestamp":1,"temperatura":1e999,"presion":1,"humedad":1}`:       FieldTemperature,
	}
	for body, field := range cases {
		_, err := DecodeMeasurement([]byte(body))
		if !errors.Is(err, ErrTypeMismatch) {
			t.Fatalf("%s: expected ErrTypeMismatch, got %v", body, err)
		}
		var decErr *DecodeError
		if !errors.As(err, &decErr) || decErr.Field != field {
			t.Fatalf("%s: expected field %q, got %v", body, field, err)
		}
	}
}

func TestDecodeMeasurementMalformed(t *testing.T) {
	for _, body := range []string{``, `{`, `[1,2]`, `null`, `"text"`, "{\"id\":\"\xff\"}"} {
		_, err := DecodeMeasurement([]byte(body))
		if !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%q: expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestDecodeMeasurementIgnoresUnknownFields(t *testing.T) {
	body := `{"id":2,"timestamp":1,"temperatura":-3.5,"presion":990,"humedad":0,"firmware":"1.2"}`
	m, err := DecodeMeasurement([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Temperature != -3.5 || m.Humidity != 0 {
		t.Fatalf("unexpected values %+v", m)
	}
}

func TestRejectReason(t *testing.T) {
	cases := map[string]error{
		"incomplete_signature": ErrIncompleteSignature,
		"invalid_signature":    Verify(nil, nil, nil).Reason,
		"missing_field":        &DecodeError{Kind: DecodeMissingField, Field: "id"},
		"type_mismatch":        &DecodeError{Kind: DecodeTypeMismatch, Field: "id"},
		"transport":            &TransportError{Op: "read", Err: errors.New("reset")},
		"internal":             errors.New("boom"),
	}
	for want, err := range cases {
		if got := RejectReason(err); got != want {
			t.Fatalf("RejectReason(%v) = %q, want %q", err, got, want)
		}
	}
}
