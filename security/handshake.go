package security

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
)

// PublicKey is the client-side half of a key pair, as reconstructed from
// the project's public cloud variables.
type PublicKey struct {
	N uint64
	E uint64
}

// Public returns the key pair's public half.
func (k *KeyPair) Public() *PublicKey {
	return &PublicKey{N: k.N, E: k.E}
}

// PublicFromData reconstructs a public key from the variable mapping
// produced by PublicData.
func PublicFromData(data map[string]string) (*PublicKey, error) {
	if data[PublicSchemeVar] != schemeID {
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrMalformedKey, data[PublicSchemeVar])
	}
	n, err := strconv.ParseUint(data[PublicModulusVar], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrMalformedKey, err)
	}
	e, err := strconv.ParseUint(data[PublicExponentVar], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrMalformedKey, err)
	}
	return &PublicKey{N: n, E: e}, nil
}

// Encrypt applies the public transform to a single block.
func (p *PublicKey) Encrypt(v uint64) (uint64, error) {
	if v >= p.N {
		return 0, fmt.Errorf("%w: %d >= modulus %d", ErrBlockRange, v, p.N)
	}
	return modPow(v, p.E, p.N), nil
}

// BlockDigits mirrors KeyPair.BlockDigits for the public half.
func (p *PublicKey) BlockDigits() int {
	return len(fmt.Sprintf("%d", p.N-1))
}

// NewSessionKey draws a random 64-bit session key.
func NewSessionKey() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("session key: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// SealSessionKey encrypts a session key block-wise for the secure connect
// frame: SessionKeyBlocks 16-bit blocks, each encrypted and rendered at the
// key's fixed block width.
func SealSessionKey(pub *PublicKey, key uint64) (string, error) {
	width := pub.BlockDigits()
	var out string
	for i := SessionKeyBlocks - 1; i >= 0; i-- {
		block := (key >> (uint(i) * 16)) & 0xFFFF
		enc, err := pub.Encrypt(block)
		if err != nil {
			return "", err
		}
		out += fmt.Sprintf("%0*d", width, enc)
	}
	return out, nil
}

// RecoverSessionKey inverts SealSessionKey on the server side.
func RecoverSessionKey(keys *KeyPair, digits string) (uint64, error) {
	width := keys.BlockDigits()
	if len(digits) != SessionKeyBlocks*width {
		return 0, fmt.Errorf("%w: key payload length %d", ErrMalformedKey, len(digits))
	}
	var key uint64
	for i := 0; i < SessionKeyBlocks; i++ {
		block, err := strconv.ParseUint(digits[i*width:(i+1)*width], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: key block %d: %v", ErrMalformedKey, i, err)
		}
		dec, err := keys.Decrypt(block)
		if err != nil {
			return 0, err
		}
		if dec > 0xFFFF {
			return 0, fmt.Errorf("%w: key block %d out of range", ErrDecrypt, i)
		}
		key = key<<16 | dec
	}
	return key, nil
}

// SaltDigits is the fixed width of the freshness salt appended to secure
// message payloads, in centiseconds since the epoch.
const SaltDigits = 15

// FormatSalt renders a salt at fixed width.
func FormatSalt(salt uint64) string {
	return fmt.Sprintf("%0*d", SaltDigits, salt)
}

// SplitSalt separates a secure payload into its trailing salt and the
// ciphertext digits preceding it.
func SplitSalt(payload string) (salt uint64, rest string, err error) {
	if len(payload) < SaltDigits {
		return 0, "", fmt.Errorf("%w: payload shorter than salt", ErrDecrypt)
	}
	cut := len(payload) - SaltDigits
	salt, err = strconv.ParseUint(payload[cut:], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad salt: %v", ErrDecrypt, err)
	}
	return salt, payload[:cut], nil
}
