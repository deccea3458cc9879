package config

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPacketSize is the safe digit budget for a vanilla Scratch
	// cloud variable.
	DefaultPacketSize = 220

	// TurboWarpPacketSize is the digit budget TurboWarp projects handle.
	TurboWarpPacketSize = 98800

	// MinPacketSize must leave room for a frame header plus at least one
	// encoded character.
	MinPacketSize = 16

	// DefaultPaceInterval spaces consecutive outbound frame writes so a
	// polling client observes every overwrite.
	DefaultPaceInterval = 100 * time.Millisecond

	// DefaultFragmentTimeout discards fragment sets that never complete.
	DefaultFragmentTimeout = 5 * time.Second

	// DefaultAcceptBacklog bounds handshakes queued for Accept.
	DefaultAcceptBacklog = 16

	// DefaultRecvTimeout is the dispatch loop's per-receive bound.
	DefaultRecvTimeout = 100 * time.Millisecond

	// DefaultAcceptTimeout is the dispatch loop's per-accept bound.
	DefaultAcceptTimeout = 100 * time.Millisecond

	// DefaultInboundVar is the variable clients write frames to.
	DefaultInboundVar = "FROM_CLIENT"
)

// Reserved client-facing variable names the project-side script watches.
const (
	// HandshakeVar is where the project reads the handshake convention
	// (connect securely / insecurely).
	HandshakeVar = "CONNECT_MODE"

	// ReceiveBufferVar is where reassembled inbound data becomes visible
	// to the project.
	ReceiveBufferVar = "RECEIVE_BUFFER"

	// TimeoutVar and PacketSizeVar let the project-side script adjust its
	// polling deadline and fragment budget.
	TimeoutVar    = "SOCKET_TIMEOUT"
	PacketSizeVar = "PACKET_SIZE"
)

// DefaultOutboundVars returns the default outbound slot names.
func DefaultOutboundVars() []string {
	return []string{"TO_CLIENT_1", "TO_CLIENT_2", "TO_CLIENT_3", "TO_CLIENT_4"}
}

// NewRequestID generates a trace identifier for one dispatched request.
func NewRequestID() string {
	return uuid.New().String()
}
