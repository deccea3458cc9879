package protocol

import (
	"errors"
	"fmt"
	"time"
)

// DefaultFragmentTimeout bounds how long an incomplete fragment set is kept.
const DefaultFragmentTimeout = 5 * time.Second

var (
	ErrFragmentMismatch = errors.New("fragment does not match group")
	ErrDuplicateMessage = errors.New("sequence already delivered")
)

// Assembler reassembles one connection's frames into complete messages.
// A message is delivered exactly once, when its last fragment arrives.
// Incomplete fragment sets are discarded after the timeout; expiry is
// checked lazily on Add so the assembler owns no goroutine.
//
// Not safe for concurrent use; the socket's listener is the single writer.
type Assembler struct {
	timeout   time.Duration
	groups    map[int]*fragmentGroup
	delivered map[int]time.Time
	lastSweep time.Time
}

type fragmentGroup struct {
	total     int
	received  int
	parts     []string
	createdAt time.Time
}

// NewAssembler creates an assembler. A non-positive timeout selects
// DefaultFragmentTimeout.
func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultFragmentTimeout
	}
	return &Assembler{
		timeout:   timeout,
		groups:    make(map[int]*fragmentGroup),
		delivered: make(map[int]time.Time),
	}
}

// Add incorporates a frame. It returns (payload, true, nil) when the frame
// completes a message, (_, false, nil) when more fragments are needed, and
// an error for frames that conflict with their group or repeat a sequence
// that was already delivered.
func (a *Assembler) Add(f Frame) (string, bool, error) {
	now := time.Now()
	a.sweep(now)

	if _, done := a.delivered[f.Seq]; done {
		return "", false, fmt.Errorf("%w: seq %d", ErrDuplicateMessage, f.Seq)
	}

	group, ok := a.groups[f.Seq]
	if !ok {
		group = &fragmentGroup{
			total:     f.Total,
			parts:     make([]string, f.Total),
			createdAt: now,
		}
		a.groups[f.Seq] = group
	}
	if group.total != f.Total {
		return "", false, fmt.Errorf("%w: total %d != %d", ErrFragmentMismatch, f.Total, group.total)
	}
	if group.parts[f.Index] != "" {
		// Redundant resend of a fragment already held; ignore.
		return "", false, nil
	}

	group.parts[f.Index] = f.Payload
	group.received++
	if f.Payload == "" {
		// Empty fragments are legal only for single-fragment messages;
		// track them via the received counter alone.
		group.parts[f.Index] = "\x00"
	}

	if group.received < group.total {
		return "", false, nil
	}

	delete(a.groups, f.Seq)
	a.delivered[f.Seq] = now

	var msg string
	for _, part := range group.parts {
		if part == "\x00" {
			continue
		}
		msg += part
	}
	return msg, true, nil
}

// Pending returns the number of incomplete fragment groups, for tests and
// introspection.
func (a *Assembler) Pending() int {
	return len(a.groups)
}

func (a *Assembler) sweep(now time.Time) {
	if now.Sub(a.lastSweep) < a.timeout {
		return
	}
	a.lastSweep = now
	for seq, group := range a.groups {
		if now.Sub(group.createdAt) > a.timeout {
			delete(a.groups, seq)
		}
	}
	// Delivered markers only need to outlive late duplicates; expire them
	// on the same cadence. The sequence space wraps at SeqModulus, so stale
	// markers would otherwise reject fresh messages.
	for seq, at := range a.delivered {
		if now.Sub(at) > a.timeout {
			delete(a.delivered, seq)
		}
	}
}
