package sensorrelay

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nodercif/sensorrelay/internal/adapters/observability"
	"github.com/nodercif/sensorrelay/internal/adapters/opcua"
	"github.com/nodercif/sensorrelay/internal/app/forwarder"
	"github.com/nodercif/sensorrelay/internal/app/relay"
	"github.com/nodercif/sensorrelay/internal/ports"
	"github.com/nodercif/sensorrelay/internal/protocol"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	live          LiveEndpoint
	store         Store
	journal       Journal
	observability Observability
	publicKey     crypto.PublicKey
	logger        *zap.Logger
	registry      *prometheus.Registry
	listenAddress string
}

// WithLiveEndpoint replaces the OPC UA client with any LiveEndpoint.
func WithLiveEndpoint(live LiveEndpoint) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.live = live
	}
}

// WithStore injects a custom store so measurements can be sent to any database or API.
func WithStore(s Store) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

// WithJournal lets callers bring their own dead-letter journal.
func WithJournal(j Journal) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.journal = j
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithPublicKey skips the key search and verifies against pub.
func WithPublicKey(pub crypto.PublicKey) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.publicKey = pub
	}
}

func WithLogger(l *zap.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithRegistry registers metrics on reg and serves it on the metrics
// endpoint instead of the global registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithListenAddress overrides relay.bind_address and relay.bind_port.
func WithListenAddress(addr string) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.listenAddress = addr
	}
}

type prober interface {
	Probe(ctx context.Context) (map[string]float64, error)
}

// Runtime wires key loading, the relay listener, the forwarder and its
// sinks, and exposes simple lifecycle hooks for embedding the relay inside
// any Go service.
type Runtime struct {
	cfg      *Config
	log      *zap.Logger
	obs      ports.Observability
	verifier *protocol.Verifier
	keyPath  string
	live     ports.LiveEndpoint
	prober   prober
	store    ports.Store
	journal  ports.Journal
	fwd      *forwarder.Forwarder
	relay    *relay.Service
	registry *prometheus.Registry

	metricsSrv  *http.Server
	metricsLn   net.Listener
	gaugeStopCh chan struct{}
	serveCancel context.CancelFunc
	serveDoneCh chan error
}

// NewRuntime loads the verification key and opens the default adapters
// (OPC UA endpoint, SQLite or Postgres store, file dead-letter journal,
// Prometheus observability). Any of them can be replaced with a
// RuntimeOption. A missing key is returned as an error wrapping
// ErrKeyNotFound.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{cfg: cfg, registry: overrides.registry}

	rt.log = overrides.logger
	if rt.log == nil {
		logger, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		rt.log = logger
	}

	rt.obs = overrides.observability
	if rt.obs == nil {
		var reg prometheus.Registerer
		if rt.registry != nil {
			reg = rt.registry
		}
		rt.obs = observability.NewPromObs(rt.log, reg)
	}

	pub := overrides.publicKey
	if pub == nil {
		key, path, err := protocol.LoadPublicKey(cfg.Keys.SearchPaths)
		if err != nil {
			return nil, err
		}
		pub, rt.keyPath = key, path
	}
	verifier, err := protocol.NewVerifier(pub)
	if err != nil {
		return nil, err
	}
	rt.verifier = verifier

	rt.live = overrides.live
	if rt.live == nil {
		ep, err := opcua.NewEndpoint(cfg.OPCUA)
		if err != nil {
			return nil, fmt.Errorf("opcua config: %w", err)
		}
		rt.live, rt.prober = ep, ep
	}

	rt.store = overrides.store
	if rt.store == nil {
		s, err := OpenStore(cfg.Store, rt.log)
		if err != nil {
			return nil, err
		}
		rt.store = s
	}
	schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.store.EnsureSchema(schemaCtx); err != nil {
		rt.store.Close()
		return nil, err
	}

	if overrides.journal != nil {
		rt.journal = overrides.journal
	} else if !cfg.DeadLetter.Disabled {
		j, err := OpenJournal(cfg.DeadLetter)
		if err != nil {
			rt.store.Close()
			return nil, err
		}
		rt.journal = j
	}

	rt.fwd, err = forwarder.New(forwarder.Config{
		Points: forwarder.PointMap{
			Temperature: cfg.OPCUA.Points.Temperature,
			Humidity:    cfg.OPCUA.Points.Humidity,
			Pressure:    cfg.OPCUA.Points.Pressure,
		},
		LiveTimeout:  cfg.OPCUA.DialTimeout + 3*cfg.OPCUA.RequestTimeout,
		StoreTimeout: cfg.Store.WriteTimeout,
	}, rt.live, rt.store, rt.obs, rt.journal)
	if err != nil {
		rt.closeSinks()
		return nil, err
	}

	addr := overrides.listenAddress
	if addr == "" {
		addr = cfg.Relay.ListenAddress()
	}
	rt.relay, err = relay.New(relay.Config{
		Address:        addr,
		Framing:        protocol.Framing(cfg.Relay.Framing),
		ReadTimeout:    cfg.Relay.ReadTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		MaxBodyBytes:   cfg.Relay.MaxBodyBytes,
		MaxConnections: cfg.Relay.MaxConnections,
	}, rt.verifier, rt.fwd, rt.obs)
	if err != nil {
		rt.closeSinks()
		return nil, err
	}

	return rt, nil
}

// Start probes the live endpoint (when enabled), binds the listener and
// launches the metrics server. It returns once the relay is accepting;
// call Run to block on a context instead.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if r.keyPath != "" {
		r.obs.LogInfo("public key loaded", ports.Field{Key: "path", Value: r.keyPath})
	}

	if r.cfg.OPCUA.ProbeOnStart && r.prober != nil {
		values, err := r.prober.Probe(ctx)
		if err != nil {
			return fmt.Errorf("live endpoint probe: %w", err)
		}
		r.obs.LogInfo("live endpoint reachable",
			ports.Field{Key: "endpoint", Value: r.cfg.OPCUA.Endpoint},
			ports.Field{Key: "points", Value: values})
	}

	if err := r.relay.Listen(); err != nil {
		return err
	}

	if !r.cfg.Metrics.Disabled {
		if err := r.startMetrics(); err != nil {
			r.relay.Close()
			return err
		}
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	r.serveCancel = cancel
	r.serveDoneCh = make(chan error, 1)
	go func() {
		r.serveDoneCh <- r.relay.Serve(serveCtx)
	}()
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		r.closeSinks()
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Addr is the relay's bound address, nil before Start.
func (r *Runtime) Addr() net.Addr { return r.relay.Addr() }

// MetricsAddr is the metrics server's bound address, nil when disabled.
func (r *Runtime) MetricsAddr() net.Addr {
	if r.metricsLn == nil {
		return nil
	}
	return r.metricsLn.Addr()
}

// Shutdown stops accepting, waits for in-flight connections, then closes
// the metrics server, store and journal.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.gaugeStopCh != nil {
		close(r.gaugeStopCh)
		r.gaugeStopCh = nil
	}

	if r.serveCancel != nil {
		r.serveCancel()
		select {
		case err := <-r.serveDoneCh:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
		}
		r.serveCancel = nil
	} else if err := r.relay.Close(); err != nil {
		errs = append(errs, err)
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if err := r.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	_ = r.log.Sync()

	return errors.Join(errs...)
}

func (r *Runtime) closeSinks() error {
	var errs []error
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) startMetrics() error {
	handler := promhttp.Handler()
	if r.registry != nil {
		handler = promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", r.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", r.cfg.Metrics.Addr, err)
	}
	r.metricsLn = ln
	r.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := r.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics server exited", err)
		}
	}()

	r.gaugeStopCh = make(chan struct{})
	go r.recordJournalGauges(r.gaugeStopCh, time.Second)
	return nil
}

func (r *Runtime) recordJournalGauges(stop <-chan struct{}, interval time.Duration) {
	if r.journal == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.obs.SetGauge(ports.DeadLetterSizeBytes, float64(r.journal.Stats().SizeBytes))
		}
	}
}
