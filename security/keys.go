// Package security implements the confidentiality layer: an asymmetric key
// pair small enough for the project-side arithmetic, key-material
// serialization, and the symmetric session cipher negotiated at connect.
//
// The modulus is capped so that a product of two residues stays below 2^53,
// the largest integer range Scratch's float arithmetic handles exactly. That
// cap puts the scheme far below cryptographic strength; the guarantee is
// "hard to forge or read casually", not confidentiality against an adversary
// willing to factor a 26-bit modulus.
package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	// PublicExponent is fixed so the project side encrypts a block with
	// three modular multiplications.
	PublicExponent = 3

	// MinModulusBits keeps the block range wide enough to hold the 16-bit
	// session-key blocks exchanged during the secure handshake.
	MinModulusBits = 18

	// MaxModulusBits keeps (n-1)^2 below 2^53.
	MaxModulusBits = 26
)

var (
	ErrBadPolicy    = errors.New("invalid key size policy")
	ErrBlockRange   = errors.New("value outside key block range")
	ErrMalformedKey = errors.New("malformed key material")
)

// Policy bounds key generation.
type Policy struct {
	// ModulusBits is the target bit length of the modulus. Zero selects
	// MaxModulusBits.
	ModulusBits int
}

// KeyPair holds the full key material. The private exponent must never be
// exposed to the project; use PublicData for the client-side variables.
type KeyPair struct {
	N uint64 // modulus
	E uint64 // public exponent, always PublicExponent
	D uint64 // private exponent, 3^-1 mod lambda(n)
}

// Generate produces a fresh key pair within the policy's bounds.
func Generate(policy Policy) (*KeyPair, error) {
	bits := policy.ModulusBits
	if bits == 0 {
		bits = MaxModulusBits
	}
	if bits < MinModulusBits || bits > MaxModulusBits {
		return nil, fmt.Errorf("%w: %d bits (want %d..%d)", ErrBadPolicy, bits, MinModulusBits, MaxModulusBits)
	}

	primeBits := bits / 2
	for {
		p, err := generatePrime(primeBits)
		if err != nil {
			return nil, err
		}
		q, err := generatePrime(bits - primeBits)
		if err != nil {
			return nil, err
		}
		if p == q {
			continue
		}
		// 3 must be invertible mod lambda(n) = lcm(p-1, q-1).
		if (p-1)%PublicExponent == 0 || (q-1)%PublicExponent == 0 {
			continue
		}

		n := p * q
		lambda := (p - 1) * (q - 1) / gcd(p-1, q-1)
		d := new(big.Int).ModInverse(big.NewInt(PublicExponent), new(big.Int).SetUint64(lambda))
		if d == nil {
			continue
		}
		return &KeyPair{N: n, E: PublicExponent, D: d.Uint64()}, nil
	}
}

// Encrypt applies the public transform to a single block. This is the exact
// operation the project-side script performs with its own arithmetic.
func (k *KeyPair) Encrypt(v uint64) (uint64, error) {
	if v >= k.N {
		return 0, fmt.Errorf("%w: %d >= modulus %d", ErrBlockRange, v, k.N)
	}
	return modPow(v, k.E, k.N), nil
}

// Decrypt inverts Encrypt using the private exponent.
func (k *KeyPair) Decrypt(v uint64) (uint64, error) {
	if v >= k.N {
		return 0, fmt.Errorf("%w: %d >= modulus %d", ErrBlockRange, v, k.N)
	}
	return modPow(v, k.D, k.N), nil
}

// BlockDigits returns the fixed decimal width of one encrypted block on the
// wire, derived from the modulus so both sides agree without negotiation.
func (k *KeyPair) BlockDigits() int {
	return len(fmt.Sprintf("%d", k.N-1))
}

// generatePrime returns a random prime of exactly the given bit length.
func generatePrime(bits int) (uint64, error) {
	p, err := rand.Prime(rand.Reader, bits)
	if err != nil {
		return 0, fmt.Errorf("generate prime: %w", err)
	}
	return p.Uint64(), nil
}

// modPow computes base^exp mod m. All operands stay below 2^26 so the
// intermediate products fit uint64 with room to spare.
func modPow(base, exp, m uint64) uint64 {
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = result * base % m
		}
		base = base * base % m
		exp >>= 1
	}
	return result
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
