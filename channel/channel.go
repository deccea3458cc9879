// Package channel defines the boundary to the cloud-variable transport.
//
// A cloud variable is a named, digit-string-valued slot visible to every
// connected client. Writes overwrite the previous value; there is no
// queueing. Implementations deliver change events to subscribers in write
// order.
package channel

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the underlying transport is unreachable.
// It is propagated, never retried at this layer.
var ErrUnavailable = errors.New("cloud channel unavailable")

// ErrValueTooLong indicates a Set exceeded the channel's value bound.
var ErrValueTooLong = errors.New("value exceeds channel limit")

// ErrNotDigits indicates a Set carried non-digit characters.
var ErrNotDigits = errors.New("value must be digits only")

// Event describes one cloud-variable change.
type Event struct {
	Var       string
	Old       string
	New       string
	User      string
	Timestamp time.Time
}

// Channel is the transport contract consumed by the socket layer.
// All values are digit-only strings bounded by the channel's maximum
// value length, which determines the per-fragment payload budget.
type Channel interface {
	// Set overwrites a variable. The previous value is lost.
	Set(ctx context.Context, name, value string) error

	// Get returns the current value of a variable.
	Get(name string) (string, error)

	// Subscribe registers a callback for change events. Events for a
	// single subscriber arrive in write order. The returned function
	// cancels the subscription and must be safe to call more than once.
	Subscribe(fn func(Event)) (cancel func())
}

// ValidValue reports whether a value is acceptable for a cloud variable
// with the given length limit.
func ValidValue(value string, maxLen int) error {
	if len(value) > maxLen {
		return ErrValueTooLong
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return ErrNotDigits
		}
	}
	return nil
}
