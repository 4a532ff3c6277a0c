package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/nodercif/sensorrelay/internal/adapters/observability"
	"github.com/nodercif/sensorrelay/internal/protocol"
)

func TestNextAcceptDelay(t *testing.T) {
	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond, 640 * time.Millisecond,
		time.Second, time.Second,
	}
	var d time.Duration
	for i, w := range want {
		d = nextAcceptDelay(d)
		if d != w {
			t.Fatalf("step %d: expected %v, got %v", i, w, d)
		}
	}
}

// failingListener fails the first n Accept calls, then blocks until closed.
type failingListener struct {
	n      int
	mu     sync.Mutex
	calls  int
	once   sync.Once
	closed chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.mu.Unlock()
	if call <= l.n {
		return nil, errors.New("accept: too many open files")
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *failingListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (l *failingListener) acceptCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	verifier, err := protocol.NewVerifier(&privateKey(t).PublicKey)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	obs := observability.NewPromObs(zaptest.NewLogger(t), prometheus.NewRegistry())
	svc, err := New(Config{}, verifier, noopForwarder{}, obs)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln := &failingListener{n: 3, closed: make(chan struct{})}
	svc.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for ln.acceptCalls() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("serve stopped accepting after errors, %d calls", ln.acceptCalls())
		}
		time.Sleep(time.Millisecond)
	}
	// 5ms + 10ms + 20ms between the three failures and the next attempt.
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("expected backoff between accept errors, retried after %v", elapsed)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
