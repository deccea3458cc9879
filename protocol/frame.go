package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// Frame wire format, digits only, fixed-width leading fields:
//
//	[1 version][1 flags][5 conn id][3 sequence][2 frag index][2 frag total][payload]
//
// The payload is the digit-encoded (and, on secure connections, encrypted)
// chunk of a message. Header plus payload never exceeds the packet size.
const (
	Version    = 1
	HeaderSize = 14

	ConnIDDigits = 5
	SeqModulus   = 1000
	MaxFragments = 99
)

// Frame flags.
type Flag uint8

const (
	FlagData Flag = iota
	FlagConnect
	FlagSecureConnect
	FlagClose
	FlagConnectAck
)

func (f Flag) String() string {
	switch f {
	case FlagData:
		return "data"
	case FlagConnect:
		return "connect"
	case FlagSecureConnect:
		return "secure-connect"
	case FlagClose:
		return "close"
	case FlagConnectAck:
		return "connect-ack"
	default:
		return "unknown"
	}
}

var (
	ErrFrameTooShort    = errors.New("frame shorter than header")
	ErrBadVersion       = errors.New("unsupported frame version")
	ErrBadFlag          = errors.New("unknown frame flag")
	ErrBadHeader        = errors.New("malformed frame header")
	ErrPayloadTooLarge  = errors.New("payload exceeds packet size")
	ErrTooManyFragments = errors.New("message needs too many fragments")
)

// Frame is the unit written to a single cloud-variable slot.
type Frame struct {
	Flags   Flag
	ConnID  string // 5 digits, chosen by the client at connect
	Seq     int    // per-direction message counter, mod SeqModulus
	Index   int    // fragment position within the message
	Total   int    // fragment count for the message
	Payload string // digits
}

// Encode renders the frame as a digit string.
func (f Frame) Encode() (string, error) {
	if len(f.ConnID) != ConnIDDigits || !isDigits(f.ConnID) {
		return "", fmt.Errorf("%w: conn id %q", ErrBadHeader, f.ConnID)
	}
	if f.Seq < 0 || f.Seq >= SeqModulus {
		return "", fmt.Errorf("%w: sequence %d", ErrBadHeader, f.Seq)
	}
	if f.Total < 1 || f.Total > MaxFragments || f.Index < 0 || f.Index >= f.Total {
		return "", fmt.Errorf("%w: fragment %d/%d", ErrBadHeader, f.Index, f.Total)
	}
	if !isDigits(f.Payload) {
		return "", fmt.Errorf("%w: payload not digits", ErrBadHeader)
	}
	return fmt.Sprintf("%d%d%s%03d%02d%02d%s",
		Version, f.Flags, f.ConnID, f.Seq, f.Index, f.Total, f.Payload), nil
}

// ParseFrame decodes a cloud-variable value into a Frame.
func ParseFrame(value string) (Frame, error) {
	if len(value) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d digits", ErrFrameTooShort, len(value))
	}
	if !isDigits(value[:HeaderSize]) {
		return Frame{}, fmt.Errorf("%w: non-digit header", ErrBadHeader)
	}
	if value[0] != '0'+Version {
		return Frame{}, fmt.Errorf("%w: %c", ErrBadVersion, value[0])
	}
	flag := Flag(value[1] - '0')
	if flag > FlagConnectAck {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadFlag, flag)
	}

	seq, _ := strconv.Atoi(value[7:10])
	index, _ := strconv.Atoi(value[10:12])
	total, _ := strconv.Atoi(value[12:14])
	if total < 1 || index >= total {
		return Frame{}, fmt.Errorf("%w: fragment %d/%d", ErrBadHeader, index, total)
	}

	payload := value[HeaderSize:]
	if !isDigits(payload) {
		return Frame{}, fmt.Errorf("%w: non-digit payload", ErrBadHeader)
	}

	return Frame{
		Flags:   flag,
		ConnID:  value[2:7],
		Seq:     seq,
		Index:   index,
		Total:   total,
		Payload: payload,
	}, nil
}

// Fragment splits an encoded payload into ordered frames sized to the packet
// budget. A zero-length payload still produces one frame so control messages
// and empty sends reach the peer.
func Fragment(flags Flag, connID string, seq int, payload string, packetSize int) ([]Frame, error) {
	budget := packetSize - HeaderSize
	if budget < 2 {
		return nil, fmt.Errorf("%w: packet size %d leaves no payload room", ErrPayloadTooLarge, packetSize)
	}
	// Keep chunks at even length so fragment boundaries never split an
	// encoded character.
	budget -= budget % 2

	total := (len(payload) + budget - 1) / budget
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFragments, total, MaxFragments)
	}

	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, Frame{
			Flags:   flags,
			ConnID:  connID,
			Seq:     seq,
			Index:   i,
			Total:   total,
			Payload: payload[start:end],
		})
	}
	return frames, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
