package security

import (
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestGenerate_PolicyBounds(t *testing.T) {
	for _, bits := range []int{MinModulusBits - 1, MaxModulusBits + 1, -3} {
		if _, err := Generate(Policy{ModulusBits: bits}); !errors.Is(err, ErrBadPolicy) {
			t.Errorf("Generate(%d bits): got %v, want ErrBadPolicy", bits, err)
		}
	}
}

func TestGenerate_ModulusWithinFloatSafeRange(t *testing.T) {
	keys, err := Generate(Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if keys.E != PublicExponent {
		t.Errorf("public exponent %d, want %d", keys.E, PublicExponent)
	}
	// (n-1)^2 must be exactly representable in a float64.
	limit := (keys.N - 1) * (keys.N - 1)
	if limit >= 1<<53 {
		t.Errorf("modulus %d too large: (n-1)^2 = %d >= 2^53", keys.N, limit)
	}
}

func TestKeyPair_DecryptInvertsEncrypt(t *testing.T) {
	keys, err := Generate(Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, v := range []uint64{0, 1, 2, 0xFFFF, keys.N - 1} {
		enc, err := keys.Encrypt(v)
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", v, err)
		}
		dec, err := keys.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", enc, err)
		}
		if dec != v {
			t.Errorf("Decrypt(Encrypt(%d)) = %d", v, dec)
		}
	}
}

func TestKeyPair_RejectsOutOfRangeBlocks(t *testing.T) {
	keys, err := Generate(Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := keys.Encrypt(keys.N); !errors.Is(err, ErrBlockRange) {
		t.Errorf("Encrypt(n): got %v, want ErrBlockRange", err)
	}
	if _, err := keys.Decrypt(keys.N + 1); !errors.Is(err, ErrBlockRange) {
		t.Errorf("Decrypt(n+1): got %v, want ErrBlockRange", err)
	}
}

// Property: encryption is a bijection the private exponent inverts, for any
// key size the policy allows.
func TestKeyPair_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bits := rapid.IntRange(MinModulusBits, MaxModulusBits).Draw(t, "bits")
		keys, err := Generate(Policy{ModulusBits: bits})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}

		v := rapid.Uint64Range(0, keys.N-1).Draw(t, "block")
		enc, err := keys.Encrypt(v)
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", v, err)
		}
		if enc >= keys.N {
			t.Fatalf("ciphertext %d outside block range", enc)
		}
		dec, err := keys.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", enc, err)
		}
		if dec != v {
			t.Fatalf("Decrypt(Encrypt(%d)) = %d", v, dec)
		}
	})
}

func TestKeyPair_SerializeRoundTrip(t *testing.T) {
	keys, err := Generate(Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	restored, err := FromString(keys.String())
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if *restored != *keys {
		t.Errorf("restored key %+v != original %+v", restored, keys)
	}
}

func TestFromString_Malformed(t *testing.T) {
	cases := []string{
		"",
		`{"n":35,"e":3,"d":3}`,             // missing tag
		formatTag + "not json",             // not json
		formatTag + `{"n":0,"e":3}`,        // zero component
		formatTag + `{"n":35,"e":5,"d":3}`, // wrong exponent
	}
	for _, in := range cases {
		if _, err := FromString(in); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("FromString(%q): got %v, want ErrMalformedKey", in, err)
		}
	}
}

func TestPublicData_OmitsPrivateExponent(t *testing.T) {
	keys, err := Generate(Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	data := keys.PublicData()
	if data[PublicSchemeVar] != schemeID {
		t.Errorf("scheme %q, want %q", data[PublicSchemeVar], schemeID)
	}
	pub, err := PublicFromData(data)
	if err != nil {
		t.Fatalf("PublicFromData: %v", err)
	}
	if pub.N != keys.N || pub.E != keys.E {
		t.Errorf("public key %+v does not match pair %+v", pub, keys)
	}

	// The public transform derived from the variables must match the pair's.
	enc1, err := pub.Encrypt(12345)
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := keys.Encrypt(12345)
	if err != nil {
		t.Fatal(err)
	}
	if enc1 != enc2 {
		t.Errorf("public encrypt %d != pair encrypt %d", enc1, enc2)
	}
}
