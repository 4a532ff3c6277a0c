package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrIncompleteSignature = errors.New("incomplete signature")
	ErrEmptyBody           = errors.New("empty body")
	ErrMalformedEncoding   = errors.New("malformed body encoding")
	ErrBodyTooLarge        = errors.New("body exceeds size limit")

	ErrInvalidSignature = errors.New("invalid signature")

	ErrMissingField     = errors.New("missing field")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrMalformedPayload = errors.New("malformed payload")

	ErrKeyNotFound = errors.New("public key not found")
)

// TransportError wraps a socket-level failure while reading a frame.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type DecodeErrorKind uint8

const (
	DecodeMalformed DecodeErrorKind = iota
	DecodeMissingField
	DecodeTypeMismatch
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeMissingField:
		return "missing_field"
	case DecodeTypeMismatch:
		return "type_mismatch"
	default:
		return "malformed"
	}
}

// DecodeError reports why a verified body could not become a Measurement.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case DecodeMissingField:
		return fmt.Sprintf("decode: missing field %q", e.Field)
	case DecodeTypeMismatch:
		if e.Err != nil {
			return fmt.Sprintf("decode: field %q has wrong type: %v", e.Field, e.Err)
		}
		return fmt.Sprintf("decode: field %q has wrong type", e.Field)
	default:
		return fmt.Sprintf("decode: malformed payload: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMissingField:
		return e.Kind == DecodeMissingField
	case ErrTypeMismatch:
		return e.Kind == DecodeTypeMismatch
	case ErrMalformedPayload:
		return e.Kind == DecodeMalformed
	}
	return false
}

// RejectReason maps a receive/verify/decode error to a short metric label.
func RejectReason(err error) string {
	var decErr *DecodeError
	var tErr *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIncompleteSignature):
		return "incomplete_signature"
	case errors.Is(err, ErrEmptyBody):
		return "empty_body"
	case errors.Is(err, ErrMalformedEncoding):
		return "malformed_encoding"
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.As(err, &decErr):
		return decErr.Kind.String()
	case errors.As(err, &tErr):
		return "transport"
	default:
		return "internal"
	}
}
