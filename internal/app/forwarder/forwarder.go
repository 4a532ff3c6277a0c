package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
)

const (
	SinkLiveEndpoint = "live_endpoint"
	SinkStore        = "store"
)

// SinkError tags a failed write with the sink it happened on.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// PointMap names the live endpoint point for each measured quantity.
type PointMap struct {
	Temperature string
	Humidity    string
	Pressure    string
}

type Config struct {
	Points       PointMap
	LiveTimeout  time.Duration
	StoreTimeout time.Duration
}

// Forwarder writes one measurement to the live endpoint and the store.
// Both writes are attempted exactly once; nothing is retried.
type Forwarder struct {
	cfg     Config
	live    ports.LiveEndpoint
	store   ports.Store
	obs     ports.Observability
	journal ports.Journal
	now     func() time.Time
}

// New builds a Forwarder. journal may be nil, in which case partial
// deliveries are only logged.
func New(cfg Config, live ports.LiveEndpoint, store ports.Store, obs ports.Observability, journal ports.Journal) (*Forwarder, error) {
	if live == nil {
		return nil, errors.New("forwarder: live endpoint is required")
	}
	if store == nil {
		return nil, errors.New("forwarder: store is required")
	}
	if obs == nil {
		return nil, errors.New("forwarder: observability is required")
	}
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Forwarder{cfg: cfg, live: live, store: store, obs: obs, journal: journal, now: time.Now}, nil
}

func (f *Forwarder) Forward(ctx context.Context, m domain.Measurement, fields ...ports.Field) domain.ForwardOutcome {
	start := time.Now()

	liveErr := f.writeLive(ctx, m)
	if liveErr != nil {
		f.sinkFailed(liveErr, m, fields)
	}
	storeErr := f.writeStore(ctx, m)
	if storeErr != nil {
		f.sinkFailed(storeErr, m, fields)
	}

	outcome := domain.ComposeOutcome(liveErr, storeErr)
	f.obs.ObserveLatency(ports.ForwardLatencySeconds, time.Since(start).Seconds())
	f.obs.IncLabeled(ports.FramesForwardedTotal, outcome.String(), 1)

	if outcome != domain.Delivered {
		f.recordDeadLetter(m, outcome, errors.Join(liveErr, storeErr))
	}
	return outcome
}

func (f *Forwarder) writeLive(ctx context.Context, m domain.Measurement) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.LiveTimeout)
	defer cancel()

	session, err := f.live.Connect(ctx)
	if err != nil {
		return &SinkError{Sink: SinkLiveEndpoint, Err: err}
	}
	defer func() {
		if derr := session.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			f.obs.LogWarn("live endpoint disconnect failed", derr, ports.Field{Key: "sink", Value: SinkLiveEndpoint})
		}
	}()

	writes := []struct {
		point string
		value float64
	}{
		{f.cfg.Points.Temperature, m.Temperature},
		{f.cfg.Points.Humidity, m.Humidity},
		{f.cfg.Points.Pressure, m.Pressure},
	}
	for _, w := range writes {
		p, err := session.Point(w.point)
		if err != nil {
			return &SinkError{Sink: SinkLiveEndpoint, Err: err}
		}
		if err := p.WriteFloat(ctx, w.value); err != nil {
			return &SinkError{Sink: SinkLiveEndpoint, Err: fmt.Errorf("point %s: %w", w.point, err)}
		}
	}
	return nil
}

func (f *Forwarder) writeStore(ctx context.Context, m domain.Measurement) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.StoreTimeout)
	defer cancel()

	if err := f.store.Insert(ctx, m); err != nil {
		return &SinkError{Sink: SinkStore, Err: err}
	}
	return nil
}

func (f *Forwarder) sinkFailed(err error, m domain.Measurement, fields []ports.Field) {
	var se *SinkError
	sink := "unknown"
	if errors.As(err, &se) {
		sink = se.Sink
	}
	f.obs.IncLabeled(ports.SinkFailuresTotal, sink, 1)
	f.obs.LogError("sink write failed", err, append(fields[:len(fields):len(fields)],
		ports.Field{Key: "sink", Value: sink},
		ports.Field{Key: "sensor_id", Value: m.SensorID},
	)...)
}

func (f *Forwarder) recordDeadLetter(m domain.Measurement, outcome domain.ForwardOutcome, cause error) {
	if f.journal == nil {
		return
	}
	dl := &domain.DeadLetter{
		Measurement: m,
		Outcome:     outcome,
		Reason:      cause.Error(),
		RecordedAt:  f.now().UTC(),
	}
	id, err := f.journal.Append(dl)
	f.obs.RecordDeadLetter(id, dl, err)
	if err == nil {
		f.obs.SetGauge(ports.DeadLetterSizeBytes, float64(f.journal.Stats().SizeBytes))
	}
}
