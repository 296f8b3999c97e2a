package mst

import (
	"crypto/sha256"
	"fmt"
	"math/bits"

	"github.com/minio/blake2b-simd"
)

// MaxKeyLength bounds the byte length of a key.
const MaxKeyLength = 1024

// KeyHash selects the fixed-width hash a key's layer is derived from.
type KeyHash int

const (
	// SHA256 hashes keys with sha2-256.
	SHA256 KeyHash = iota
	// Blake2b hashes keys with blake2b-256.
	Blake2b
)

func (h KeyHash) String() string {
	switch h {
	case SHA256:
		return "sha256"
	case Blake2b:
		return "blake2b"
	}
	return fmt.Sprintf("KeyHash(%d)", int(h))
}

// ParseKeyHash maps a configuration name to a KeyHash. The empty string is SHA256.
func ParseKeyHash(name string) (KeyHash, error) {
	switch name {
	case "", "sha256", "sha2-256":
		return SHA256, nil
	case "blake2b", "blake2b-256":
		return Blake2b, nil
	}
	return 0, fmt.Errorf("unknown key hash %q", name)
}

func (h KeyHash) sum(key string) [32]byte {
	if h == Blake2b {
		return blake2b.Sum256([]byte(key))
	}
	return sha256.Sum256([]byte(key))
}

// checkFanout requires a power of two between 2 and 256, and returns how many
// hash bits make up one digit in that base.
func checkFanout(fanout uint) (int, error) {
	if fanout < 2 || fanout > 256 || fanout&(fanout-1) != 0 {
		return 0, fmt.Errorf("fanout %d is not a power of two in [2, 256]", fanout)
	}
	return bits.TrailingZeros(fanout), nil
}

// Layer computes a key's distance from the leaves: the number of leading
// zero-valued base-fanout digits of the key's hash. It depends on nothing but
// the key, so trees holding the same keys always take the same shape.
func Layer(key string, fanout uint, h KeyHash) uint8 {
	digitBits, err := checkFanout(fanout)
	if err != nil {
		panic(err)
	}
	return layerOf(h.sum(key), digitBits)
}

func layerOf(sum [32]byte, digitBits int) uint8 {
	var layer int
	for start := 0; start+digitBits <= len(sum)*8 && layer < 255; start += digitBits {
		if digit(sum[:], start, digitBits) != 0 {
			break
		}
		layer++
	}
	return uint8(layer)
}

func digit(b []byte, start, n int) uint {
	var d uint
	for i := start; i < start+n; i++ {
		d = d<<1 | uint(b[i/8]>>(7-i%8)&1)
	}
	return d
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	return nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
