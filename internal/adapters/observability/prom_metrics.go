package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
)

// PromObs forwards log calls to zap and keeps the relay's Prometheus
// collectors.
type PromObs struct {
	log      *zap.Logger
	counters map[string]prometheus.Counter
	labeled  map[string]*prometheus.CounterVec
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the relay collectors on reg, or on the default
// registerer when reg is nil.
func NewPromObs(logger *zap.Logger, reg prometheus.Registerer) *PromObs {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	connections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.ConnectionsTotal,
		Help: "Field connections accepted.",
	})
	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.ActiveConnections,
		Help: "Field connections currently being handled.",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ports.FramesRejectedTotal,
		Help: "Frames answered with a negative acknowledgement before forwarding, by reason.",
	}, []string{"reason"})
	forwarded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ports.FramesForwardedTotal,
		Help: "Verified measurements handed to the sinks, by outcome.",
	}, []string{"outcome"})
	sinkFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ports.SinkFailuresTotal,
		Help: "Failed sink writes, by sink.",
	}, []string{"sink"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.ForwardLatencySeconds,
		Help:    "Time spent writing one measurement to both sinks.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	deadLetters := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.DeadLettersTotal,
		Help: "Measurements recorded in the dead-letter journal.",
	})
	deadLetterDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.DeadLetterDroppedTotal,
		Help: "Dead letters lost because the journal was full or failed.",
	})
	deadLetterSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.DeadLetterSizeBytes,
		Help: "Size of the dead-letter journal on disk.",
	})

	reg.MustRegister(connections, active, rejected, forwarded, sinkFailures, latency,
		deadLetters, deadLetterDropped, deadLetterSize)

	return &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			ports.ConnectionsTotal:       connections,
			ports.DeadLettersTotal:       deadLetters,
			ports.DeadLetterDroppedTotal: deadLetterDropped,
		},
		labeled: map[string]*prometheus.CounterVec{
			ports.FramesRejectedTotal:  rejected,
			ports.FramesForwardedTotal: forwarded,
			ports.SinkFailuresTotal:    sinkFailures,
		},
		gauges: map[string]prometheus.Gauge{
			ports.ActiveConnections:   active,
			ports.DeadLetterSizeBytes: deadLetterSize,
		},
		histos: map[string]prometheus.Observer{
			ports.ForwardLatencySeconds: latency,
		},
	}
}

// Logger exposes the underlying zap logger.
func (p *PromObs) Logger() *zap.Logger { return p.log }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, zapFields(nil, fields)...)
}

func (p *PromObs) LogWarn(msg string, err error, fields ...ports.Field) {
	p.log.Warn(msg, zapFields(err, fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, zapFields(err, fields)...)
}

// LogCritical logs at DPanic: fatal in development builds, error in production.
func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.DPanic(msg, zapFields(err, fields)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) IncLabeled(name, label string, v float64) {
	if c, ok := p.labeled[name]; ok {
		c.WithLabelValues(label).Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) AddGauge(name string, delta float64) {
	if g, ok := p.gauges[name]; ok {
		g.Add(delta)
	}
}

func (p *PromObs) RecordDeadLetter(id ports.JournalEntryID, dl *domain.DeadLetter, err error) {
	if err != nil {
		p.IncCounter(ports.DeadLetterDroppedTotal, 1)
		fields := []zap.Field{zap.Error(err)}
		if dl != nil {
			fields = append(fields, zap.Int64("sensor_id", dl.Measurement.SensorID), zap.Stringer("outcome", dl.Outcome))
		}
		p.log.Error("dead letter dropped", fields...)
		return
	}
	p.IncCounter(ports.DeadLettersTotal, 1)
	if dl != nil {
		p.log.Info("dead letter recorded",
			zap.Uint64("entry_id", uint64(id)),
			zap.Int64("sensor_id", dl.Measurement.SensorID),
			zap.Stringer("outcome", dl.Outcome))
	}
}

func zapFields(err error, fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if err != nil {
		out = append(out, zap.Error(err))
	}
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
