// Package config holds socket and handler configuration in the same
// yaml-struct/defaults/loader shape used across our services.
package config

import (
	"fmt"
	"time"
)

const (
	EnvPrefix = "SCRATCHCOMM_"
)

// Socket configures one cloud socket over a channel.
type Socket struct {
	// ProjectID identifies the Scratch/TurboWarp project, for logging and
	// for transports that need it.
	ProjectID int `yaml:"project_id"`

	// InboundVar is the variable clients write frames to.
	InboundVar string `yaml:"inbound_var"`

	// OutboundVars are the slots server frames rotate across. More slots
	// let a polling client miss fewer overwrites.
	OutboundVars []string `yaml:"outbound_vars"`

	// PacketSize bounds one cloud-variable value, header included.
	// Scratch allows 256 digits; TurboWarp allows far more.
	PacketSize int `yaml:"packet_size"`

	// PaceInterval is the delay between successive outbound frames of one
	// message, giving a polling client time to observe each overwrite.
	PaceInterval time.Duration `yaml:"pace_interval"`

	// FragmentTimeout discards fragment sets that never complete.
	FragmentTimeout time.Duration `yaml:"fragment_timeout"`

	// AcceptBacklog bounds handshakes waiting for Accept.
	AcceptBacklog int `yaml:"accept_backlog"`
}

// Validate rejects configurations the socket cannot run with.
func (s *Socket) Validate() error {
	if s.InboundVar == "" {
		return fmt.Errorf("inbound_var must be set")
	}
	if len(s.OutboundVars) == 0 {
		return fmt.Errorf("at least one outbound var is required")
	}
	if s.PacketSize < MinPacketSize {
		return fmt.Errorf("packet_size %d below minimum %d", s.PacketSize, MinPacketSize)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields.
func (s *Socket) ApplyDefaults() {
	if s.InboundVar == "" {
		s.InboundVar = DefaultInboundVar
	}
	if len(s.OutboundVars) == 0 {
		s.OutboundVars = DefaultOutboundVars()
	}
	if s.PacketSize == 0 {
		s.PacketSize = DefaultPacketSize
	}
	if s.PaceInterval == 0 {
		s.PaceInterval = DefaultPaceInterval
	}
	if s.FragmentTimeout == 0 {
		s.FragmentTimeout = DefaultFragmentTimeout
	}
	if s.AcceptBacklog == 0 {
		s.AcceptBacklog = DefaultAcceptBacklog
	}
}

// Handler configures a request handler.
type Handler struct {
	// RecvTimeout bounds each blocking receive inside the dispatch loop,
	// which is also the latency bound on noticing Stop.
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	// AcceptTimeout bounds each accept poll inside the dispatch loop.
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
}

// ApplyDefaults fills zero-valued fields.
func (h *Handler) ApplyDefaults() {
	if h.RecvTimeout == 0 {
		h.RecvTimeout = DefaultRecvTimeout
	}
	if h.AcceptTimeout == 0 {
		h.AcceptTimeout = DefaultAcceptTimeout
	}
}
