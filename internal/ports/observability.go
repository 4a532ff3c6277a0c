package ports

import "github.com/nodercif/sensorrelay/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, err error, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	IncLabeled(name, label string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
	AddGauge(name string, delta float64)

	RecordDeadLetter(id JournalEntryID, dl *domain.DeadLetter, err error)
}

type Field struct {
	Key   string
	Value any
}
