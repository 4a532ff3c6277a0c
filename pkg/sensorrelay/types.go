package sensorrelay

import (
	"github.com/nodercif/sensorrelay/internal/adapters/deadletter"
	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
	"github.com/nodercif/sensorrelay/internal/protocol"
)

// Measurement is one verified sensor reading.
type Measurement = domain.Measurement

// ForwardOutcome reports which sinks accepted a measurement.
type ForwardOutcome = domain.ForwardOutcome

const (
	Delivered          = domain.Delivered
	LiveEndpointFailed = domain.LiveEndpointFailed
	StoreFailed        = domain.StoreFailed
	BothFailed         = domain.BothFailed
)

// DeadLetter is a verified measurement that did not reach every sink.
type DeadLetter = domain.DeadLetter

// LiveEndpoint opens sessions against the process-control server.
type LiveEndpoint = ports.LiveEndpoint

type LiveSession = ports.LiveSession

type WritablePoint = ports.WritablePoint

// Store persists measurements durably.
type Store = ports.Store

// Journal keeps dead letters until an operator replays them.
type Journal = ports.Journal

type JournalEntryID = ports.JournalEntryID

type JournalStats = ports.JournalStats

// Observability emits logs and metrics about connections and sink writes.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

var (
	ErrKeyNotFound      = protocol.ErrKeyNotFound
	ErrInvalidSignature = protocol.ErrInvalidSignature
	ErrJournalFull      = deadletter.ErrJournalFull
	ErrJournalLocked    = deadletter.ErrJournalLocked
)
