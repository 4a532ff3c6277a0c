package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
	"github.com/nodercif/sensorrelay/internal/protocol"
)

type Config struct {
	Address        string
	Framing        protocol.Framing
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxBodyBytes   int
	MaxConnections int
}

// Forwarder hands a verified measurement to the sinks.
type Forwarder interface {
	Forward(ctx context.Context, m domain.Measurement, fields ...ports.Field) domain.ForwardOutcome
}

// Service accepts field connections. Each connection carries exactly one
// signed message and receives exactly one acknowledgement byte.
type Service struct {
	cfg      Config
	verifier *protocol.Verifier
	fwd      Forwarder
	obs      ports.Observability

	mu       sync.Mutex
	listener net.Listener

	slots  chan struct{}
	active sync.WaitGroup
}

func New(cfg Config, verifier *protocol.Verifier, fwd Forwarder, obs ports.Observability) (*Service, error) {
	if verifier == nil {
		return nil, errors.New("relay: verifier is required")
	}
	if fwd == nil {
		return nil, errors.New("relay: forwarder is required")
	}
	if obs == nil {
		return nil, errors.New("relay: observability is required")
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}
	if cfg.Framing == "" {
		cfg.Framing = protocol.FramingSelfDelimiting
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &Service{cfg: cfg, verifier: verifier, fwd: fwd, obs: obs}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s, nil
}

// Listen binds the TCP listener. A bind failure is returned to the caller,
// which is expected to treat it as fatal.
func (s *Service) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.obs.LogInfo("relay listening",
		ports.Field{Key: "addr", Value: ln.Addr().String()},
		ports.Field{Key: "framing", Value: string(s.cfg.Framing)},
		ports.Field{Key: "state", Value: StateListening.String()})
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// waits for in-flight connections to finish.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	// Handlers finish their request even after shutdown starts; the
	// read, write and sink timeouts bound how long that takes.
	handlerCtx := context.WithoutCancel(ctx)

	var retryDelay time.Duration
accept:
	for {
		if !s.acquireSlot(ctx) {
			break
		}
		conn, err := ln.Accept()
		if err != nil {
			s.releaseSlot()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			retryDelay = nextAcceptDelay(retryDelay)
			s.obs.LogError("accept failed", err,
				ports.Field{Key: "state", Value: StateAccepting.String()},
				ports.Field{Key: "retry_in", Value: retryDelay.String()})
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				break accept
			}
		}
		retryDelay = 0

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer s.releaseSlot()
			s.handleConnection(handlerCtx, conn)
		}()
	}

	s.active.Wait()
	s.obs.LogInfo("relay stopped", ports.Field{Key: "state", Value: StateClosed.String()})
	return nil
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// nextAcceptDelay doubles the pause after consecutive Accept errors such as
// EMFILE, capped at one second.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

func (s *Service) acquireSlot(ctx context.Context) bool {
	if s.slots == nil {
		return ctx.Err() == nil
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// Close stops accepting. Serve returns once active connections drain.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Service) handleConnection(ctx context.Context, conn net.Conn) {
	fields := []ports.Field{
		{Key: "conn_id", Value: uuid.NewString()},
		{Key: "remote", Value: conn.RemoteAddr().String()},
	}
	state := StateReceiving

	s.obs.IncCounter(ports.ConnectionsTotal, 1)
	s.obs.AddGauge(ports.ActiveConnections, 1)
	defer func() {
		if r := recover(); r != nil {
			s.obs.LogError("connection handler panicked", fmt.Errorf("panic: %v", r),
				append(fields, ports.Field{Key: "state", Value: state.String()})...)
			s.obs.IncLabeled(ports.FramesRejectedTotal, "internal", 1)
		}
		conn.Close()
		s.obs.AddGauge(ports.ActiveConnections, -1)
	}()

	frame, err := protocol.ReceiveFrame(conn, protocol.ReceiverConfig{
		SignatureSize: s.verifier.SignatureSize(),
		Framing:       s.cfg.Framing,
		MaxBodyBytes:  s.cfg.MaxBodyBytes,
		ReadTimeout:   s.cfg.ReadTimeout,
	})
	if err != nil {
		s.reject(conn, state, err, fields)
		return
	}

	state = StateVerifying
	res := s.verifier.Verify(frame)
	if !res.Valid() {
		s.reject(conn, state, res.Reason, fields)
		return
	}

	state = StateDecoding
	m, err := protocol.DecodeMeasurement(res.Body)
	if err != nil {
		s.reject(conn, state, err, fields)
		return
	}

	state = StateForwarding
	fields = append(fields, ports.Field{Key: "sensor_id", Value: m.SensorID})
	outcome := s.fwd.Forward(ctx, m, fields...)

	state = StateAcknowledging
	ack := protocol.AckRejected
	if outcome.Accepted() {
		ack = protocol.AckAccepted
	}
	fields = append(fields, ports.Field{Key: "outcome", Value: outcome.String()})
	if err := s.acknowledge(conn, ack); err != nil {
		s.obs.LogWarn("acknowledgement failed", err, fields...)
		return
	}
	if outcome == domain.Delivered {
		s.obs.LogInfo("measurement delivered", fields...)
	} else {
		s.obs.LogWarn("measurement partially delivered", nil, fields...)
	}
}

func (s *Service) reject(conn net.Conn, state State, reason error, fields []ports.Field) {
	label := protocol.RejectReason(reason)
	s.obs.IncLabeled(ports.FramesRejectedTotal, label, 1)

	fields = append(fields,
		ports.Field{Key: "state", Value: state.String()},
		ports.Field{Key: "reason", Value: label})
	if errors.Is(reason, protocol.ErrInvalidSignature) {
		s.obs.LogWarn("signature verification failed", reason, fields...)
	} else {
		s.obs.LogWarn("frame rejected", reason, fields...)
	}

	if err := s.acknowledge(conn, protocol.AckRejected); err != nil {
		s.obs.LogWarn("negative acknowledgement failed", err, fields...)
	}
}

func (s *Service) acknowledge(conn net.Conn, ack byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return &protocol.TransportError{Op: "set write deadline", Err: err}
	}
	if _, err := conn.Write([]byte{ack}); err != nil {
		return &protocol.TransportError{Op: "write ack", Err: err}
	}
	return nil
}
