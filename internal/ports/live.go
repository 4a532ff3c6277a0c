package ports

import "context"

// LiveEndpoint opens short-lived sessions against the process-control
// server. A session is never shared between requests.
type LiveEndpoint interface {
	Connect(ctx context.Context) (LiveSession, error)
}

type LiveSession interface {
	Point(id string) (WritablePoint, error)
	Disconnect(ctx context.Context) error
}

// WritablePoint is one addressable numeric variable on the live endpoint.
type WritablePoint interface {
	WriteFloat(ctx context.Context, v float64) error
}
