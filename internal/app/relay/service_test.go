package relay

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/nodercif/sensorrelay/internal/adapters/observability"
	"github.com/nodercif/sensorrelay/internal/app/forwarder"
	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
	"github.com/nodercif/sensorrelay/internal/protocol"
)

const validBody = `{"id": 7, "timestamp": 1700000000, "temperatura": 21.5, "presion": 1013.2, "humedad": 40.0}`

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		testKey, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("generate key: %v", keyErr)
	}
	return testKey
}

func sign(t *testing.T, body []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey(t), crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

type harness struct {
	svc   *Service
	live  *fakeLive
	store *fakeStore
	reg   *prometheus.Registry
	done  chan error
	stop  context.CancelFunc
}

func startRelay(t *testing.T, cfg Config, live *fakeLive, store *fakeStore) *harness {
	t.Helper()

	verifier, err := protocol.NewVerifier(&privateKey(t).PublicKey)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	reg := prometheus.NewRegistry()
	obs := observability.NewPromObs(zaptest.NewLogger(t), reg)
	fwd, err := forwarder.New(forwarder.Config{
		Points:       forwarder.PointMap{Temperature: "t", Humidity: "h", Pressure: "p"},
		LiveTimeout:  time.Second,
		StoreTimeout: time.Second,
	}, live, store, obs, nil)
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}

	cfg.Address = "127.0.0.1:0"
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	svc, err := New(cfg, verifier, fwd, obs)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, live: live, store: store, reg: reg, done: make(chan error, 1), stop: cancel}
	go func() { h.done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not return after cancel")
		}
	})
	return h
}

// send writes raw bytes, half-closes and returns the single reply byte.
func (h *harness) send(t *testing.T, payload ...[]byte) (byte, error) {
	t.Helper()
	conn, err := net.Dial("tcp", h.svc.Addr().String())
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	for _, p := range payload {
		if _, err := conn.Write(p); err != nil {
			return 0, err
		}
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		return 0, err
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return 0, err
	}
	return ack[0], nil
}

func (h *harness) sendSigned(t *testing.T, body string) byte {
	t.Helper()
	ack, err := h.send(t, sign(t, []byte(body)), []byte(body))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return ack
}

// rejected reads the rejection counter for one reason label.
func (h *harness) rejected(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != ports.FramesRejectedTotal {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRelayDeliversValidMeasurement(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})

	if ack := h.sendSigned(t, validBody); ack != protocol.AckAccepted {
		t.Fatalf("expected ack 0x01, got 0x%02x", ack)
	}

	stored := h.store.all()
	if len(stored) != 1 {
		t.Fatalf("expected one stored measurement, got %d", len(stored))
	}
	m := stored[0]
	if m.SensorID != 7 || m.Temperature != 21.5 || m.Pressure != 1013.2 || m.Humidity != 40 {
		t.Fatalf("unexpected measurement %+v", m)
	}
	if !m.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", m.Timestamp)
	}
	if got := h.live.values(); got["t"] != 21.5 || got["h"] != 40 || got["p"] != 1013.2 {
		t.Fatalf("unexpected live writes %v", got)
	}
}

func TestRelayRejectsTamperedSignature(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})

	sig := sign(t, []byte(validBody))
	sig[0] ^= 0x01
	ack, err := h.send(t, sig, []byte(validBody))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack != protocol.AckRejected {
		t.Fatalf("expected ack 0x00, got 0x%02x", ack)
	}
	if len(h.store.all()) != 0 || len(h.live.values()) != 0 {
		t.Fatalf("tampered frame must not reach any sink")
	}
	if got := h.rejected(t, "invalid_signature"); got != 1 {
		t.Fatalf("expected one invalid_signature rejection, got %v", got)
	}
}

func TestRelayRejectsTamperedBody(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})

	sig := sign(t, []byte(validBody))
	tampered := []byte(validBody)
	tampered[len(tampered)-3] = '9'
	ack, err := h.send(t, sig, tampered)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack != protocol.AckRejected {
		t.Fatalf("expected ack 0x00, got 0x%02x", ack)
	}
	if len(h.store.all()) != 0 {
		t.Fatalf("tampered body must not be stored")
	}
}

func TestRelayRejectsMissingField(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})

	body := `{"id": 7, "timestamp": 1700000000, "temperatura": 21.5, "presion": 1013.2}`
	if ack := h.sendSigned(t, body); ack != protocol.AckRejected {
		t.Fatalf("expected ack 0x00, got 0x%02x", ack)
	}
	if len(h.store.all()) != 0 || len(h.live.values()) != 0 {
		t.Fatalf("incomplete measurement must not reach any sink")
	}
	if got := h.rejected(t, "missing_field"); got != 1 {
		t.Fatalf("expected one missing_field rejection, got %v", got)
	}
}

func TestRelayRejectsTruncatedBody(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})

	truncated := validBody[:len(validBody)/2]
	if ack := h.sendSigned(t, truncated); ack != protocol.AckRejected {
		t.Fatalf("expected ack 0x00, got 0x%02x", ack)
	}
	if len(h.store.all()) != 0 || len(h.live.values()) != 0 {
		t.Fatalf("truncated body must not reach any sink")
	}
	if got := h.rejected(t, "malformed_encoding"); got != 1 {
		t.Fatalf("expected one malformed_encoding rejection, got %v", got)
	}
}

func TestRelayAcceptsWhenLiveEndpointDown(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{connectErr: errors.New("connection refused")}, &fakeStore{})

	if ack := h.sendSigned(t, validBody); ack != protocol.AckAccepted {
		t.Fatalf("expected ack 0x01 for partial delivery, got 0x%02x", ack)
	}
	if len(h.store.all()) != 1 {
		t.Fatalf("measurement must still be stored")
	}
}

func TestRelayRejectsWhenBothSinksFail(t *testing.T) {
	h := startRelay(t, Config{},
		&fakeLive{connectErr: errors.New("down")},
		&fakeStore{err: errors.New("disk full")})

	if ack := h.sendSigned(t, validBody); ack != protocol.AckRejected {
		t.Fatalf("expected ack 0x00 when nothing was delivered, got 0x%02x", ack)
	}
}

func TestRelayRejectsShortSignature(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})

	ack, err := h.send(t, make([]byte, 100))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack != protocol.AckRejected {
		t.Fatalf("expected ack 0x00, got 0x%02x", ack)
	}
	if got := h.rejected(t, "incomplete_signature"); got != 1 {
		t.Fatalf("expected incomplete_signature rejection, got %v", got)
	}
}

func TestRelaySurvivesMalformedConnections(t *testing.T) {
	h := startRelay(t, Config{ReadTimeout: 500 * time.Millisecond}, &fakeLive{}, &fakeStore{})

	garbage := [][]byte{
		{},
		[]byte("hello"),
		append(make([]byte, 256), 0xff, 0xfe, 0xfd),
		append(make([]byte, 256), []byte(`{"id":`)...),
		append(make([]byte, 256), []byte(validBody)...),
	}
	for i := 0; i < 20; i++ {
		_, _ = h.send(t, garbage[i%len(garbage)])
	}

	if ack := h.sendSigned(t, validBody); ack != protocol.AckAccepted {
		t.Fatalf("listener should still accept valid frames, got 0x%02x", ack)
	}
}

func TestRelayHandlesConcurrentClients(t *testing.T) {
	h := startRelay(t, Config{MaxConnections: 4}, &fakeLive{}, &fakeStore{})

	const clients = 16
	body := []byte(validBody)
	sig := sign(t, body)
	var wg sync.WaitGroup
	acks := make(chan byte, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := h.send(t, sig, body)
			if err != nil {
				t.Errorf("send: %v", err)
				return
			}
			acks <- ack
		}()
	}
	wg.Wait()
	close(acks)

	for ack := range acks {
		if ack != protocol.AckAccepted {
			t.Fatalf("expected every client accepted, got 0x%02x", ack)
		}
	}
	if n := len(h.store.all()); n != clients {
		t.Fatalf("expected %d stored measurements, got %d", clients, n)
	}
}

func TestRelayLengthPrefixedFraming(t *testing.T) {
	h := startRelay(t, Config{Framing: protocol.FramingLengthPrefixed}, &fakeLive{}, &fakeStore{})

	body := []byte(validBody)
	ack, err := h.send(t, sign(t, body), protocol.EncodeLengthPrefix(len(body)), body)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack != protocol.AckAccepted {
		t.Fatalf("expected ack 0x01, got 0x%02x", ack)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	h := startRelay(t, Config{}, &fakeLive{}, &fakeStore{})
	addr := h.svc.Addr().String()

	h.stop()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Fatalf("listener should be closed after cancel")
	}
}

func TestListenFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	verifier, err := protocol.NewVerifier(&privateKey(t).PublicKey)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	obs := observability.NewPromObs(zaptest.NewLogger(t), prometheus.NewRegistry())
	svc, err := New(Config{Address: ln.Addr().String()}, verifier, noopForwarder{}, obs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Listen(); err == nil {
		t.Fatalf("expected bind failure")
	}
}

func TestStateString(t *testing.T) {
	if StateVerifying.String() != "verifying" || StateClosed.String() != "closed" || State(99).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}

type noopForwarder struct{}

func (noopForwarder) Forward(context.Context, domain.Measurement, ...ports.Field) domain.ForwardOutcome {
	return domain.Delivered
}

type fakeLive struct {
	connectErr error
	mu         sync.Mutex
	written    map[string]float64
}

func (f *fakeLive) Connect(context.Context) (ports.LiveSession, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return fakeSession{f}, nil
}

func (f *fakeLive) values() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.written))
	for k, v := range f.written {
		out[k] = v
	}
	return out
}

type fakeSession struct{ live *fakeLive }

func (s fakeSession) Point(id string) (ports.WritablePoint, error) {
	return fakePoint{live: s.live, id: id}, nil
}
func (s fakeSession) Disconnect(context.Context) error { return nil }

type fakePoint struct {
	live *fakeLive
	id   string
}

func (p fakePoint) WriteFloat(_ context.Context, v float64) error {
	p.live.mu.Lock()
	defer p.live.mu.Unlock()
	if p.live.written == nil {
		p.live.written = make(map[string]float64)
	}
	p.live.written[p.id] = v
	return nil
}

type fakeStore struct {
	ports.Store
	err  error
	mu   sync.Mutex
	rows []domain.Measurement
}

func (s *fakeStore) Insert(_ context.Context, m domain.Measurement) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, m)
	return nil
}

func (s *fakeStore) all() []domain.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Measurement(nil), s.rows...)
}
