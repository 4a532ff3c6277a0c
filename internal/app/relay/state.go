package relay

// State is the stage a connection (or the listener) is in. Failures are
// logged with the state they happened in.
type State uint8

const (
	StateListening State = iota
	StateAccepting
	StateReceiving
	StateVerifying
	StateDecoding
	StateForwarding
	StateAcknowledging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateDecoding:
		return "decoding"
	case StateForwarding:
		return "forwarding"
	case StateAcknowledging:
		return "acknowledging"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
