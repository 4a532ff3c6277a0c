package ports

import (
	"context"

	"github.com/nodercif/sensorrelay/internal/domain"
)

// Store is the durable measurement history. Implementations must accept
// concurrent Insert calls.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, m domain.Measurement) error
	// FetchAll returns every stored measurement, newest timestamp first.
	FetchAll(ctx context.Context) ([]domain.Measurement, error)
	Name() string
	Close() error
}
