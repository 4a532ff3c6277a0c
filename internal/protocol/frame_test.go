package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

const sampleBody = `{"id":1,"timestamp":1700000000,"temperatura":25.0,"presion":1010.0,"humedad":45.0}`

// pipeWith returns the server side of a pipe whose client side writes each
// chunk in order and then closes.
func pipeWith(t *testing.T, chunks ...[]byte) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		defer client.Close()
		for _, c := range chunks {
			if _, err := client.Write(c); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { server.Close() })
	return server
}

func TestReceiveFrameSelfDelimited(t *testing.T) {
	sig := bytes.Repeat([]byte{0xAB}, DefaultSignatureSize)
	body := []byte(sampleBody)
	conn := pipeWith(t, sig, body[:10], body[10:40], body[40:])

	frame, err := ReceiveFrame(conn, ReceiverConfig{ReadTimeout: time.Second, ChunkSize: 16})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(frame.Signature, sig) {
		t.Fatalf("signature mismatch")
	}
	if !bytes.Equal(frame.Body, body) {
		t.Fatalf("body mismatch: %q", frame.Body)
	}
}

func TestReceiveFrameStopsAtCompleteDocument(t *testing.T) {
	sig := make([]byte, DefaultSignatureSize)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// The client never closes; the receiver must return once the object is complete.
	go func() {
		_, _ = client.Write(sig)
		_, _ = client.Write([]byte(sampleBody))
	}()

	frame, err := ReceiveFrame(server, ReceiverConfig{ReadTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(frame.Body) != sampleBody {
		t.Fatalf("unexpected body %q", frame.Body)
	}
}

func TestReceiveFrameIncompleteSignature(t *testing.T) {
	conn := pipeWith(t, make([]byte, 100))

	_, err := ReceiveFrame(conn, ReceiverConfig{ReadTimeout: time.Second})
	if !errors.Is(err, ErrIncompleteSignature) {
		t.Fatalf("expected ErrIncompleteSignature, got %v", err)
	}
}

func TestReceiveFrameEmptyBody(t *testing.T) {
	conn := pipeWith(t, make([]byte, DefaultSignatureSize))

	_, err := ReceiveFrame(conn, ReceiverConfig{ReadTimeout: time.Second})
	if !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}

func TestReceiveFrameMalformedEncoding(t *testing.T) {
	cases := map[string][]byte{
		"truncated json": []byte(`{"id":1,"timestamp":17000`),
		"not an object":  []byte(`12345`),
		"invalid utf8":   {'{', '"', 0xff, 0xfe, '"', ':', '1', '}'},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			conn := pipeWith(t, make([]byte, DefaultSignatureSize), body)
			_, err := ReceiveFrame(conn, ReceiverConfig{ReadTimeout: time.Second})
			if !errors.Is(err, ErrMalformedEncoding) {
				t.Fatalf("expected ErrMalformedEncoding, got %v", err)
			}
		})
	}
}

func TestReceiveFrameBodyTooLarge(t *testing.T) {
	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte("x"), 512)...)
	conn := pipeWith(t, make([]byte, DefaultSignatureSize), big)

	_, err := ReceiveFrame(conn, ReceiverConfig{ReadTimeout: time.Second, MaxBodyBytes: 128})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestReceiveFrameReadTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write(make([]byte, 10))
	}()

	start := time.Now()
	_, err := ReceiveFrame(server, ReceiverConfig{ReadTimeout: 50 * time.Millisecond})
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("read timeout not honoured, took %s", elapsed)
	}
}

func TestReceiveFrameLengthPrefixed(t *testing.T) {
	sig := bytes.Repeat([]byte{0x01}, DefaultSignatureSize)
	body := []byte(sampleBody)
	conn := pipeWith(t, sig, EncodeLengthPrefix(len(body)), body)

	frame, err := ReceiveFrame(conn, ReceiverConfig{Framing: FramingLengthPrefixed, ReadTimeout: time.Second})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(frame.Body, body) {
		t.Fatalf("body mismatch: %q", frame.Body)
	}
}

func TestReceiveFrameLengthPrefixedErrors(t *testing.T) {
	sig := make([]byte, DefaultSignatureSize)

	conn := pipeWith(t, sig, EncodeLengthPrefix(0))
	if _, err := ReceiveFrame(conn, ReceiverConfig{Framing: FramingLengthPrefixed, ReadTimeout: time.Second}); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("zero length: expected ErrEmptyBody, got %v", err)
	}

	conn = pipeWith(t, sig, EncodeLengthPrefix(100), []byte(`{"id":1}`))
	if _, err := ReceiveFrame(conn, ReceiverConfig{Framing: FramingLengthPrefixed, ReadTimeout: time.Second}); !errors.Is(err, ErrMalformedEncoding) {
		t.Fatalf("short body: expected ErrMalformedEncoding, got %v", err)
	}

	conn = pipeWith(t, sig, EncodeLengthPrefix(1<<20))
	if _, err := ReceiveFrame(conn, ReceiverConfig{Framing: FramingLengthPrefixed, ReadTimeout: time.Second, MaxBodyBytes: 1024}); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("oversized: expected ErrBodyTooLarge, got %v", err)
	}
}

func TestParseFraming(t *testing.T) {
	if f, err := ParseFraming(""); err != nil || f != FramingSelfDelimiting {
		t.Fatalf("empty framing: got %q, %v", f, err)
	}
	if f, err := ParseFraming("length-prefixed"); err != nil || f != FramingLengthPrefixed {
		t.Fatalf("length-prefixed: got %q, %v", f, err)
	}
	if _, err := ParseFraming("varint"); err == nil {
		t.Fatalf("expected error for unknown framing")
	}
}
