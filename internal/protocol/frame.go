package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/nodercif/sensorrelay/internal/domain"
)

// Framing selects how the end of the message body is found.
type Framing string

const (
	// FramingSelfDelimiting reads until the buffer holds one complete JSON
	// object or the peer half-closes. This is what deployed field devices
	// speak.
	FramingSelfDelimiting Framing = "self-delimiting"
	// FramingLengthPrefixed expects a 4-byte big-endian body length right
	// after the signature.
	FramingLengthPrefixed Framing = "length-prefixed"
)

const (
	DefaultSignatureSize = 256
	DefaultMaxBodyBytes  = 64 << 10
	defaultChunkSize     = 4096
	lengthPrefixLen      = 4
)

// Acknowledgement bytes written back to the field device.
const (
	AckRejected byte = 0x00
	AckAccepted byte = 0x01
)

type ReceiverConfig struct {
	SignatureSize int
	Framing       Framing
	MaxBodyBytes  int
	// ReadTimeout bounds the whole frame, signature and body together.
	ReadTimeout time.Duration
	ChunkSize   int
}

func (c *ReceiverConfig) applyDefaults() {
	if c.SignatureSize <= 0 {
		c.SignatureSize = DefaultSignatureSize
	}
	if c.Framing == "" {
		c.Framing = FramingSelfDelimiting
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
}

// ParseFraming accepts the config spelling of a framing mode.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingSelfDelimiting:
		return FramingSelfDelimiting, nil
	case FramingLengthPrefixed:
		return FramingLengthPrefixed, nil
	}
	return "", fmt.Errorf("unknown framing %q", s)
}

// ReceiveFrame reads one signature block and one message body from conn.
// The body bytes are returned exactly as received.
func ReceiveFrame(conn net.Conn, cfg ReceiverConfig) (domain.SignedFrame, error) {
	cfg.applyDefaults()

	if cfg.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
			return domain.SignedFrame{}, &TransportError{Op: "set deadline", Err: err}
		}
	}

	sig := make([]byte, cfg.SignatureSize)
	if n, err := io.ReadFull(conn, sig); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return domain.SignedFrame{}, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteSignature, n, cfg.SignatureSize)
		}
		return domain.SignedFrame{}, &TransportError{Op: "read signature", Err: err}
	}

	var (
		body []byte
		err  error
	)
	switch cfg.Framing {
	case FramingLengthPrefixed:
		body, err = readLengthPrefixed(conn, cfg.MaxBodyBytes)
	case FramingSelfDelimiting:
		body, err = readSelfDelimited(conn, cfg.MaxBodyBytes, cfg.ChunkSize)
	default:
		err = fmt.Errorf("unknown framing %q", cfg.Framing)
	}
	if err != nil {
		return domain.SignedFrame{}, err
	}

	return domain.SignedFrame{Signature: sig, Body: body}, nil
}

func readSelfDelimited(r io.Reader, maxBody, chunkSize int) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if buf.Len() > maxBody {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, maxBody)
			}
			if isCompleteDocument(buf.Bytes()) {
				return buf.Bytes(), nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &TransportError{Op: "read body", Err: err}
		}
	}

	if buf.Len() == 0 {
		return nil, ErrEmptyBody
	}
	return nil, fmt.Errorf("%w: %d bytes never formed a complete document", ErrMalformedEncoding, buf.Len())
}

func readLengthPrefixed(r io.Reader, maxBody int) ([]byte, error) {
	var hdr [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyBody
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedEncoding)
		}
		return nil, &TransportError{Op: "read length", Err: err}
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, ErrEmptyBody
	}
	if uint64(length) > uint64(maxBody) {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrBodyTooLarge, length, maxBody)
	}

	body := make([]byte, length)
	if n, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body truncated at %d of %d bytes", ErrMalformedEncoding, n, length)
		}
		return nil, &TransportError{Op: "read body", Err: err}
	}
	return body, nil
}

// isCompleteDocument reports whether b is UTF-8 text holding exactly one
// JSON object. No proper prefix of an object is itself an object, which is
// what makes the self-delimiting mode usable at all.
func isCompleteDocument(b []byte) bool {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return utf8.Valid(b) && json.Valid(b)
}

// EncodeLengthPrefix returns the 4-byte header used by FramingLengthPrefixed.
func EncodeLengthPrefix(bodyLen int) []byte {
	var hdr [lengthPrefixLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(bodyLen))
	return hdr[:]
}
