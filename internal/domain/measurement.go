package domain

import "time"

// Measurement is one verified sensor reading. It is produced by the payload
// decoder from authenticated bytes and handed to the sinks unchanged.
type Measurement struct {
	SensorID    int64     `json:"sensor_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Humidity    float64   `json:"humidity"`
}

// SignedFrame is the raw unit read off one field connection.
type SignedFrame struct {
	Signature []byte
	Body      []byte
}

// VerificationResult is either Valid (Reason == nil, Body holds the exact
// signed bytes) or Invalid. There is no partially trusted state.
type VerificationResult struct {
	Body   []byte
	Reason error
}

func (r VerificationResult) Valid() bool { return r.Reason == nil }

// ForwardOutcome summarises the two sink writes for one measurement.
type ForwardOutcome uint8

const (
	Delivered ForwardOutcome = iota
	LiveEndpointFailed
	StoreFailed
	BothFailed
)

func (o ForwardOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case LiveEndpointFailed:
		return "live_endpoint_failed"
	case StoreFailed:
		return "store_failed"
	case BothFailed:
		return "both_failed"
	default:
		return "unknown"
	}
}

// Accepted reports whether at least one sink took the measurement.
func (o ForwardOutcome) Accepted() bool {
	return o == Delivered || o == LiveEndpointFailed || o == StoreFailed
}

// ComposeOutcome folds the per-sink results into a ForwardOutcome.
func ComposeOutcome(liveErr, storeErr error) ForwardOutcome {
	switch {
	case liveErr == nil && storeErr == nil:
		return Delivered
	case liveErr != nil && storeErr != nil:
		return BothFailed
	case liveErr != nil:
		return LiveEndpointFailed
	default:
		return StoreFailed
	}
}

// DeadLetter records a verified measurement that did not reach every sink.
type DeadLetter struct {
	Measurement Measurement    `json:"measurement"`
	Outcome     ForwardOutcome `json:"outcome"`
	Reason      string         `json:"reason"`
	RecordedAt  time.Time      `json:"recorded_at"`
}
