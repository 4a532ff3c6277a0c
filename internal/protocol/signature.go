package protocol

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/nodercif/sensorrelay/internal/domain"
)

// Verify checks an RSA PKCS#1 v1.5 / SHA-256 signature over body. It must be
// given the bytes exactly as they came off the wire. Every failure, including
// a panic inside the crypto path, is reported as an invalid result.
func Verify(pub crypto.PublicKey, signature, body []byte) (res domain.VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = invalid(fmt.Errorf("verifier panic: %v", r))
		}
	}()

	key, ok := pub.(*rsa.PublicKey)
	if !ok || key == nil || key.N == nil {
		return invalid(fmt.Errorf("unsupported public key %T", pub))
	}
	if len(signature) != key.Size() {
		return invalid(fmt.Errorf("signature is %d bytes, key expects %d", len(signature), key.Size()))
	}

	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return invalid(err)
	}
	return domain.VerificationResult{Body: body}
}

func invalid(reason error) domain.VerificationResult {
	return domain.VerificationResult{Reason: fmt.Errorf("%w: %v", ErrInvalidSignature, reason)}
}

// Verifier binds a loaded public key.
type Verifier struct {
	key *rsa.PublicKey
}

func NewVerifier(pub crypto.PublicKey) (*Verifier, error) {
	key, ok := pub.(*rsa.PublicKey)
	if !ok || key == nil {
		return nil, fmt.Errorf("verifier: want *rsa.PublicKey, got %T", pub)
	}
	return &Verifier{key: key}, nil
}

func (v *Verifier) Verify(frame domain.SignedFrame) domain.VerificationResult {
	return Verify(v.key, frame.Signature, frame.Body)
}

// SignatureSize is the fixed signature length on the wire for this key.
func (v *Verifier) SignatureSize() int { return v.key.Size() }
