package protocol

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadPublicKey reads the first PEM file that exists among paths and returns
// its RSA public key along with the path it came from.
func LoadPublicKey(paths []string) (crypto.PublicKey, string, error) {
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, "", fmt.Errorf("read public key %s: %w", p, err)
		}
		key, err := ParsePublicKeyPEM(raw)
		if err != nil {
			return nil, "", fmt.Errorf("parse public key %s: %w", p, err)
		}
		return key, p, nil
	}
	return nil, "", fmt.Errorf("%w in any of: %s", ErrKeyNotFound, strings.Join(paths, ", "))
}

// ParsePublicKeyPEM accepts "PUBLIC KEY" (PKIX) and "RSA PUBLIC KEY" (PKCS#1) blocks.
func ParsePublicKeyPEM(raw []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", pub)
		}
		return rsaPub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}
