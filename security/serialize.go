package security

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// formatTag identifies the serialized key format. Bump on layout changes.
const formatTag = "SCRSEC1:"

// Cloud-variable names the project reads the public key from. Values are
// digit strings, copied verbatim into the project.
const (
	PublicModulusVar  = "PUBLIC_KEY_MODULUS"
	PublicExponentVar = "PUBLIC_KEY_EXPONENT"
	PublicSchemeVar   = "PUBLIC_KEY_SCHEME"
)

// schemeID is the digit value of PublicSchemeVar for this scheme.
const schemeID = "1"

type keyMaterial struct {
	N uint64 `json:"n"`
	E uint64 `json:"e"`
	D uint64 `json:"d"`
}

// String serializes the full key material, private exponent included. The
// result is a secret; persist it only server-side.
func (k *KeyPair) String() string {
	data, err := json.Marshal(keyMaterial{N: k.N, E: k.E, D: k.D})
	if err != nil {
		// keyMaterial has no unmarshalable fields; this cannot happen.
		panic(err)
	}
	return formatTag + string(data)
}

// FromString reconstructs a key pair serialized by String. The result
// encrypts and decrypts identically to the original.
func FromString(s string) (*KeyPair, error) {
	if !strings.HasPrefix(s, formatTag) {
		return nil, fmt.Errorf("%w: missing format tag", ErrMalformedKey)
	}
	var m keyMaterial
	if err := json.Unmarshal([]byte(strings.TrimPrefix(s, formatTag)), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if m.N == 0 || m.E == 0 || m.D == 0 {
		return nil, fmt.Errorf("%w: zero component", ErrMalformedKey)
	}
	if m.E != PublicExponent {
		return nil, fmt.Errorf("%w: unexpected public exponent %d", ErrMalformedKey, m.E)
	}
	return &KeyPair{N: m.N, E: m.E, D: m.D}, nil
}

// PublicData returns the variable-name to digit-string mapping to copy into
// the project's cloud variables. It never contains the private exponent.
func (k *KeyPair) PublicData() map[string]string {
	return map[string]string{
		PublicModulusVar:  fmt.Sprintf("%d", k.N),
		PublicExponentVar: fmt.Sprintf("%d", k.E),
		PublicSchemeVar:   schemeID,
	}
}
