package ports

// Metric names accepted by Observability. Adapters that do not know a name
// ignore it.
const (
	ConnectionsTotal       = "sensorrelay_connections_total"
	ActiveConnections      = "sensorrelay_active_connections"
	FramesRejectedTotal    = "sensorrelay_frames_rejected_total"
	FramesForwardedTotal   = "sensorrelay_frames_forwarded_total"
	SinkFailuresTotal      = "sensorrelay_sink_failures_total"
	ForwardLatencySeconds  = "sensorrelay_forward_latency_seconds"
	DeadLettersTotal       = "sensorrelay_deadletters_total"
	DeadLetterSizeBytes    = "sensorrelay_deadletter_size_bytes"
	DeadLetterDroppedTotal = "sensorrelay_deadletter_dropped_total"
)
