package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestFrame_EncodeParse(t *testing.T) {
	in := Frame{
		Flags:   FlagData,
		ConnID:  "00042",
		Seq:     7,
		Index:   1,
		Total:   3,
		Payload: "0102030405",
	}
	value, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(value) != HeaderSize+len(in.Payload) {
		t.Errorf("encoded length %d, want %d", len(value), HeaderSize+len(in.Payload))
	}
	out, err := ParseFrame(value)
	if err != nil {
		t.Fatalf("ParseFrame(%q): %v", value, err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}

func TestFrame_EncodeRejectsBadHeader(t *testing.T) {
	base := Frame{Flags: FlagData, ConnID: "00042", Seq: 0, Index: 0, Total: 1}

	cases := map[string]Frame{
		"short conn id":     {Flags: FlagData, ConnID: "042", Total: 1},
		"non-digit conn id": {Flags: FlagData, ConnID: "0x042", Total: 1},
		"negative seq":      {Flags: FlagData, ConnID: base.ConnID, Seq: -1, Total: 1},
		"seq past modulus":  {Flags: FlagData, ConnID: base.ConnID, Seq: SeqModulus, Total: 1},
		"zero total":        {Flags: FlagData, ConnID: base.ConnID, Total: 0},
		"index past total":  {Flags: FlagData, ConnID: base.ConnID, Index: 2, Total: 2},
		"non-digit payload": {Flags: FlagData, ConnID: base.ConnID, Total: 1, Payload: "12a4"},
	}
	for name, f := range cases {
		if _, err := f.Encode(); !errors.Is(err, ErrBadHeader) {
			t.Errorf("%s: got %v, want ErrBadHeader", name, err)
		}
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	valid, err := Frame{Flags: FlagData, ConnID: "00042", Total: 1, Payload: "0102"}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		value string
		want  error
	}{
		{"too short", "10004200", ErrFrameTooShort},
		{"wrong version", "2" + valid[1:], ErrBadVersion},
		{"unknown flag", valid[:1] + "9" + valid[2:], ErrBadFlag},
		{"non-digit header", "1!" + valid[2:], ErrBadHeader},
		{"zero total", valid[:12] + "00" + valid[14:], ErrBadHeader},
		{"non-digit payload", valid[:HeaderSize] + "12a4", ErrBadHeader},
	}
	for _, c := range cases {
		if _, err := ParseFrame(c.value); !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestFragment_SingleFrameForEmptyPayload(t *testing.T) {
	frames, err := Fragment(FlagConnect, "00042", 0, "", 64)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Total != 1 || frames[0].Payload != "" {
		t.Errorf("unexpected frame %+v", frames[0])
	}
}

func TestFragment_RespectsPacketSize(t *testing.T) {
	payload := strings.Repeat("42", 100)
	packetSize := 30
	frames, err := Fragment(FlagData, "00042", 1, payload, packetSize)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	for i, f := range frames {
		value, err := f.Encode()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(value) > packetSize {
			t.Errorf("frame %d: %d digits exceeds packet size %d", i, len(value), packetSize)
		}
		if len(f.Payload)%2 != 0 {
			t.Errorf("frame %d: odd payload length %d splits a character", i, len(f.Payload))
		}
	}
}

func TestFragment_Limits(t *testing.T) {
	if _, err := Fragment(FlagData, "00042", 0, "01", HeaderSize+1); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("tiny packet size: got %v, want ErrPayloadTooLarge", err)
	}
	payload := strings.Repeat("0", (MaxFragments+1)*2)
	if _, err := Fragment(FlagData, "00042", 0, payload, HeaderSize+2); !errors.Is(err, ErrTooManyFragments) {
		t.Errorf("oversized message: got %v, want ErrTooManyFragments", err)
	}
}

// Property: fragmenting then reassembling (in order) restores the payload,
// and every frame survives its own encode/parse round trip.
func TestFragment_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloadLen := rapid.IntRange(0, 400).Draw(t, "payloadLen") * 2
		var b strings.Builder
		for i := 0; i < payloadLen; i++ {
			fmt.Fprintf(&b, "%d", rapid.IntRange(0, 9).Draw(t, "digit"))
		}
		payload := b.String()

		connID := fmt.Sprintf("%05d", rapid.IntRange(0, 99999).Draw(t, "connID"))
		seq := rapid.IntRange(0, SeqModulus-1).Draw(t, "seq")
		packetSize := rapid.IntRange(HeaderSize+2, 256).Draw(t, "packetSize")

		frames, err := Fragment(FlagData, connID, seq, payload, packetSize)
		if err != nil {
			if errors.Is(err, ErrTooManyFragments) {
				t.Skip("payload does not fit the drawn packet size")
			}
			t.Fatalf("Fragment: %v", err)
		}

		var rebuilt strings.Builder
		for i, f := range frames {
			value, err := f.Encode()
			if err != nil {
				t.Fatalf("frame %d encode: %v", i, err)
			}
			parsed, err := ParseFrame(value)
			if err != nil {
				t.Fatalf("frame %d parse: %v", i, err)
			}
			if parsed != f {
				t.Fatalf("frame %d changed in transit: %+v != %+v", i, parsed, f)
			}
			rebuilt.WriteString(parsed.Payload)
		}
		if rebuilt.String() != payload {
			t.Fatalf("payload corrupted: %q != %q", rebuilt.String(), payload)
		}
	})
}
