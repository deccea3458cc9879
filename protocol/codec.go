// Package protocol implements the digit-only wire format carried by cloud
// variables: a character codec, fixed-width frame headers, fragmentation and
// per-connection reassembly.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// The character table shared with the project-side scripts. A character is
// encoded as its one-based table index, zero-padded to two digits, so any
// text becomes a digit string of twice its rune length.
const charTable = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	" .,-:;_'#!\"§$%&/()=?{[]}\\0123456789<>ß*"

var (
	chars     = []rune(charTable)
	charToIdx = make(map[rune]int, len(chars))
)

func init() {
	for i, c := range chars {
		charToIdx[c] = i + 1
	}
}

// ErrBadEncoding indicates digits that do not decode against the table.
var ErrBadEncoding = errors.New("malformed text encoding")

// EncodeText converts text to its digit representation. Characters outside
// the table are replaced with '?', matching the project-side convention.
func EncodeText(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, c := range s {
		idx, ok := charToIdx[c]
		if !ok {
			idx = charToIdx['?']
		}
		fmt.Fprintf(&b, "%02d", idx)
	}
	return b.String()
}

// DecodeText converts a digit string produced by EncodeText (or by the
// project-side encoder) back to text.
func DecodeText(digits string) (string, error) {
	if len(digits)%2 != 0 {
		return "", fmt.Errorf("%w: odd length %d", ErrBadEncoding, len(digits))
	}
	var b strings.Builder
	b.Grow(len(digits) / 2)
	for i := 0; i < len(digits); i += 2 {
		hi, lo := digits[i], digits[i+1]
		if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
			return "", fmt.Errorf("%w: non-digit at %d", ErrBadEncoding, i)
		}
		idx := int(hi-'0')*10 + int(lo-'0')
		if idx < 1 || idx > len(chars) {
			return "", fmt.Errorf("%w: index %d out of table", ErrBadEncoding, idx)
		}
		b.WriteRune(chars[idx-1])
	}
	return b.String(), nil
}

// CharTable returns the codec's character table. The project-side script
// must be generated from the same table.
func CharTable() []rune {
	out := make([]rune, len(chars))
	copy(out, chars)
	return out
}
