// Package signing provides the commit-signing keys of an account: ed25519
// over sha256 digests and dilithium3 over sha3-256 digests.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const (
	Ed25519    = "ed25519"
	Dilithium3 = "dilithium3"
)

// ErrBadSignature is returned when a signature doesn't verify.
var ErrBadSignature = errors.New("signature invalid")

// Signer signs commit bytes.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Public() PublicKey
}

// Verifier checks signatures made by one key.
type Verifier interface {
	Verify(message, sig []byte) error
}

// PublicKey is an algorithm name and the raw public key bytes.
type PublicKey struct {
	Alg string
	Key []byte
}

// String encodes the key as alg:base64, the form ParsePublicKey accepts.
func (k PublicKey) String() string {
	return k.Alg + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// Equal reports whether both keys are the same.
func (k PublicKey) Equal(other PublicKey) bool {
	return k.Alg == other.Alg && string(k.Key) == string(other.Key)
}

func (k PublicKey) Verify(message, sig []byte) error {
	digest, err := digestFor(k.Alg, message)
	if err != nil {
		return err
	}
	switch k.Alg {
	case Ed25519:
		if len(k.Key) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid ed25519 public key length %d", len(k.Key))
		}
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(k.Key), digest, sig) {
			return ErrBadSignature
		}
		return nil
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(k.Key); err != nil {
			return fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, digest, sig) {
			return ErrBadSignature
		}
		return nil
	}
	return fmt.Errorf("unsupported signature algorithm %q", k.Alg)
}

// ParsePublicKey decodes alg:base64.
func ParsePublicKey(s string) (PublicKey, error) {
	alg, enc, ok := strings.Cut(s, ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("invalid public key encoding")
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return PublicKey{}, fmt.Errorf("public key base64: %w", err)
	}
	switch alg {
	case Ed25519:
		if len(key) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("invalid ed25519 public key length %d", len(key))
		}
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(key); err != nil {
			return PublicKey{}, fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return PublicKey{}, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	return PublicKey{Alg: alg, Key: key}, nil
}

func digestFor(alg string, message []byte) ([]byte, error) {
	switch alg {
	case Ed25519:
		s := sha256.Sum256(message)
		return s[:], nil
	case Dilithium3:
		s := sha3.Sum256(message)
		return s[:], nil
	}
	return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// PrivateKey is a Signer for either algorithm.
type PrivateKey struct {
	alg        string
	ed         ed25519.PrivateKey
	dilithium  *mode3.PrivateKey
	dilithiumP *mode3.PublicKey
}

// GenerateKey makes a new key for alg.
func GenerateKey(alg string, rand io.Reader) (*PrivateKey, error) {
	switch alg {
	case Ed25519:
		_, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, ed: priv}, nil
	case Dilithium3:
		pub, priv, err := mode3.GenerateKey(rand)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, dilithium: priv, dilithiumP: pub}, nil
	}
	return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// Alg names the key's algorithm.
func (k *PrivateKey) Alg() string { return k.alg }

func (k *PrivateKey) Sign(message []byte) ([]byte, error) {
	digest, err := digestFor(k.alg, message)
	if err != nil {
		return nil, err
	}
	switch k.alg {
	case Ed25519:
		return ed25519.Sign(k.ed, digest), nil
	case Dilithium3:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.dilithium, digest, sig)
		return sig, nil
	}
	return nil, fmt.Errorf("unsupported signature algorithm %q", k.alg)
}

func (k *PrivateKey) Public() PublicKey {
	switch k.alg {
	case Ed25519:
		return PublicKey{Alg: k.alg, Key: []byte(k.ed.Public().(ed25519.PublicKey))}
	case Dilithium3:
		b, _ := k.dilithiumP.MarshalBinary()
		return PublicKey{Alg: k.alg, Key: b}
	}
	return PublicKey{}
}

// Bytes is the raw private key.
func (k *PrivateKey) Bytes() []byte {
	switch k.alg {
	case Ed25519:
		return append([]byte(nil), k.ed...)
	case Dilithium3:
		b, _ := k.dilithium.MarshalBinary()
		return b
	}
	return nil
}

// String encodes the private key as alg:base64.
func (k *PrivateKey) String() string {
	return k.alg + ":" + base64.StdEncoding.EncodeToString(k.Bytes())
}

// NewPrivateKey rebuilds a key from its algorithm and raw bytes.
func NewPrivateKey(alg string, b []byte) (*PrivateKey, error) {
	switch alg {
	case Ed25519:
		if len(b) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid ed25519 private key length %d", len(b))
		}
		return &PrivateKey{alg: alg, ed: ed25519.PrivateKey(append([]byte(nil), b...))}, nil
	case Dilithium3:
		var priv mode3.PrivateKey
		if err := priv.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("invalid dilithium3 private key: %w", err)
		}
		pub := priv.Public().(*mode3.PublicKey)
		return &PrivateKey{alg: alg, dilithium: &priv, dilithiumP: pub}, nil
	}
	return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// ParsePrivateKey decodes the form written by PrivateKey.String.
func ParsePrivateKey(s string) (*PrivateKey, error) {
	alg, enc, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("invalid private key encoding")
	}
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("private key base64: %w", err)
	}
	return NewPrivateKey(alg, b)
}
