package security

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Session is the symmetric cipher used for an established secure connection.
// Both sides derive it from the session key the client sent encrypted with
// the server's public key.
//
// The keystream is AES applied to a counter, and each character of the
// plaintext is shifted through the shared character table by one keystream
// byte. Keeping ciphertext inside the table means it survives the digit
// codec unchanged, and the project side can decrypt with table lookups and
// a pre-shared keystream schedule.
type Session struct {
	key uint64
}

// ErrDecrypt indicates ciphertext that fails authentication against the
// session key; the message is rejected, never passed through as plaintext.
var ErrDecrypt = errors.New("session decrypt failed")

// endMarker authenticates the tail of every sealed message. All characters
// are in the shared table.
const endMarker = "#end of message#"

// SessionKeyBlocks is how many 16-bit blocks carry the session key during
// the secure handshake.
const SessionKeyBlocks = 4

// NewSession derives the cipher from a negotiated session key.
func NewSession(key uint64) *Session {
	return &Session{key: key}
}

// Key returns the raw session key, used by the handshake to split the key
// into encryptable blocks.
func (s *Session) Key() uint64 { return s.key }

// Seal encrypts plaintext under the session key and a caller-provided salt.
// The salt must be fresh per message; the receiving side enforces
// monotonicity to reject replays.
func (s *Session) Seal(plaintext string, salt uint64) (string, error) {
	ks, err := s.keystream(salt, len(plaintext)+len(endMarker))
	if err != nil {
		return "", err
	}
	return shift(plaintext+endMarker, ks, 1)
}

// Open decrypts a sealed message. A wrong key or salt surfaces as
// ErrDecrypt via the end-marker check.
func (s *Session) Open(ciphertext string, salt uint64) (string, error) {
	ks, err := s.keystream(salt, len([]rune(ciphertext)))
	if err != nil {
		return "", err
	}
	plain, err := shift(ciphertext, ks, -1)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if !strings.HasSuffix(plain, endMarker) {
		return "", fmt.Errorf("%w: missing end marker", ErrDecrypt)
	}
	return strings.TrimSuffix(plain, endMarker), nil
}

// keystream produces n shift bytes from AES over an incrementing counter,
// keyed by SHA-256 of the decimal session key and salt.
func (s *Session) keystream(salt uint64, n int) ([]byte, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", s.key, salt)))
	block, err := aes.NewCipher(sum[:16])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, (n/aes.BlockSize+1)*aes.BlockSize)
	var counter [aes.BlockSize]byte
	var buf [aes.BlockSize]byte
	for i := uint64(1); len(out) < n; i++ {
		binary.BigEndian.PutUint64(counter[8:], i)
		block.Encrypt(buf[:], counter[:])
		out = append(out, buf[:]...)
	}
	return out[:n], nil
}

// shift moves each character through the table by the keystream byte, in
// the given direction. Characters must be inside the table.
func shift(text string, ks []byte, dir int) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for _, c := range text {
		idx, ok := tableIndex(c)
		if !ok {
			return "", fmt.Errorf("character %q outside table", c)
		}
		n := len(table)
		shifted := (idx + dir*int(ks[i])%n + n) % n
		b.WriteRune(table[shifted])
		i++
	}
	return b.String(), nil
}

// The session cipher shares the protocol codec's character table. It is
// duplicated here so the package stays import-cycle free; the codec test
// asserts the two stay identical.
const tableChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	" .,-:;_'#!\"§$%&/()=?{[]}\\0123456789<>ß*"

var (
	table      = []rune(tableChars)
	tableByVal = func() map[rune]int {
		m := make(map[rune]int, len(table))
		for i, c := range table {
			m[c] = i
		}
		return m
	}()
)

func tableIndex(c rune) (int, bool) {
	i, ok := tableByVal[c]
	return i, ok
}

// TableChars exposes the cipher's character table for cross-package checks.
func TableChars() string { return tableChars }
