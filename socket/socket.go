// Package socket turns the overwrite-only cloud channel into ordered,
// multiplexed per-client message streams with accept/send/recv/timeout
// semantics. One listener goroutine drains channel events, demultiplexes
// frames by connection id and feeds blocked Accept and Recv calls.
package socket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCommCraft/scratchcommunication/channel"
	"github.com/TheCommCraft/scratchcommunication/config"
	"github.com/TheCommCraft/scratchcommunication/protocol"
	"github.com/TheCommCraft/scratchcommunication/security"
)

var (
	// ErrTimeout reports an accept or recv that exceeded its bound. The
	// caller decides whether to retry.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed reports an operation on a closed connection or socket.
	ErrClosed = errors.New("connection closed")

	// ErrNotListening reports Accept before Listen.
	ErrNotListening = errors.New("socket is not listening")
)

// Socket states.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateStopped
)

// setWriteTimeout bounds a single cloud-variable write.
const setWriteTimeout = 10 * time.Second

// saltWindow is how far into the future a message salt may run ahead of
// our clock before it is rejected.
const saltWindow = 30 * time.Second

// Socket multiplexes client connections over a shared cloud channel. It
// exclusively owns connection state and is the sole writer to the channel
// on behalf of all connections.
type Socket struct {
	ch     channel.Channel
	conf   *config.Socket
	keys   *security.KeyPair // nil disables secure handshakes
	logger zerolog.Logger

	mu      sync.Mutex
	conns   map[string]*Connection
	pending chan *Connection

	acceptMu sync.Mutex // serializes Accept calls
	sendMu   sync.Mutex // serializes channel writes across connections
	slot     int        // next outbound slot, guarded by sendMu

	state     atomic.Int32
	done      chan struct{}
	unsub     func()
	writeSalt atomic.Uint64 // last salt used for outbound secure messages
}

// New creates a socket over a channel. keys may be nil if secure
// connections are not offered.
func New(ch channel.Channel, conf *config.Socket, keys *security.KeyPair, logger zerolog.Logger) *Socket {
	conf.ApplyDefaults()
	return &Socket{
		ch:      ch,
		conf:    conf,
		keys:    keys,
		logger:  logger.With().Str("com", "cloud-socket").Logger(),
		conns:   make(map[string]*Connection),
		pending: make(chan *Connection, conf.AcceptBacklog),
		done:    make(chan struct{}),
	}
}

// Listen subscribes to the channel's event feed and starts demultiplexing
// frames. It returns the socket itself so callers can write
//
//	defer sock.Listen().Stop()
func (s *Socket) Listen() *Socket {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		s.logger.Warn().Msg("listen called twice, ignoring")
		return s
	}
	s.unsub = s.ch.Subscribe(s.onEvent)
	s.publishLimits()
	s.logger.Info().
		Str("inbound_var", s.conf.InboundVar).
		Int("outbound_slots", len(s.conf.OutboundVars)).
		Bool("secure", s.keys != nil).
		Msg("listening")
	return s
}

// publishLimits writes the negotiated limits into the reserved variables the
// project-side script reads. Best effort; the script falls back to its own
// defaults when they are absent.
func (s *Socket) publishLimits() {
	ctx, cancel := context.WithTimeout(context.Background(), setWriteTimeout)
	defer cancel()

	limits := map[string]string{
		config.PacketSizeVar: strconv.Itoa(s.conf.PacketSize),
		config.TimeoutVar:    strconv.FormatInt(s.conf.FragmentTimeout.Milliseconds(), 10),
	}
	for name, value := range limits {
		if err := s.ch.Set(ctx, name, value); err != nil {
			s.logger.Debug().Err(err).Str("var", name).Msg("limit variable not published")
		}
	}
}

// State returns the socket-wide state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// Accept blocks until a new handshake arrives, promotes the connection and
// returns it with the claimed username. Concurrent Accept calls are
// serialized; each handshake satisfies exactly one Accept.
func (s *Socket) Accept(timeout time.Duration) (*Connection, string, error) {
	if s.State() != StateListening {
		return nil, "", ErrNotListening
	}

	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-s.pending:
		conn.accepted.Store(true)
		s.ackConnect(conn)
		s.logger.Info().
			Str("conn_id", conn.id).
			Str("username", conn.username).
			Bool("secure", conn.secure).
			Msg("connection accepted")
		return conn, conn.username, nil
	case <-timer.C:
		return nil, "", fmt.Errorf("accept: %w", ErrTimeout)
	case <-s.done:
		return nil, "", fmt.Errorf("accept: %w", ErrClosed)
	}
}

// ackConnect confirms an accepted handshake to the dialer, best effort.
func (s *Socket) ackConnect(conn *Connection) {
	frame := protocol.Frame{Flags: protocol.FlagConnectAck, ConnID: conn.id, Total: 1}
	if err := s.writeFrames([]protocol.Frame{frame}); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.id).Msg("connect ack not delivered")
	}
}

// Stop sends best-effort close frames, tears down all connections and
// releases the channel subscription. Idempotent.
func (s *Socket) Stop() {
	if !s.state.CompareAndSwap(int32(StateListening), int32(StateStopped)) &&
		!s.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		return
	}
	if s.unsub != nil {
		s.unsub()
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWithFrame(true)
	}
	close(s.done)
	s.logger.Info().Int("connections", len(conns)).Msg("socket stopped")
}

// onEvent is the listener: it runs on the channel's delivery goroutine and
// is the single writer to all reassembly state.
func (s *Socket) onEvent(ev channel.Event) {
	if ev.Var != s.conf.InboundVar {
		return
	}
	frame, err := protocol.ParseFrame(ev.New)
	if err != nil {
		// Malformed traffic never takes down the listener.
		s.logger.Debug().Err(err).Str("value", ev.New).Msg("dropping malformed frame")
		return
	}

	switch frame.Flags {
	case protocol.FlagConnect, protocol.FlagSecureConnect:
		s.handleConnect(frame, ev)
	case protocol.FlagData:
		s.handleData(frame)
	case protocol.FlagClose:
		s.handleClose(frame)
	}
}

func (s *Socket) handleConnect(frame protocol.Frame, ev channel.Event) {
	if frame.Total != 1 {
		s.logger.Debug().Str("conn_id", frame.ConnID).Msg("dropping fragmented handshake")
		return
	}

	s.mu.Lock()
	if existing, ok := s.conns[frame.ConnID]; ok && !existing.closed.Load() {
		s.mu.Unlock()
		// Duplicate connect for a live connection; the client is retrying
		// a handshake we already saw.
		return
	}
	s.mu.Unlock()

	var (
		sess     *security.Session
		userPart = frame.Payload
	)
	if frame.Flags == protocol.FlagSecureConnect {
		if s.keys == nil {
			s.logger.Warn().Str("conn_id", frame.ConnID).Msg("secure connect without server keys, dropping")
			return
		}
		keyDigits := security.SessionKeyBlocks * s.keys.BlockDigits()
		if len(frame.Payload) < keyDigits {
			s.logger.Debug().Str("conn_id", frame.ConnID).Msg("short secure handshake, dropping")
			return
		}
		key, err := security.RecoverSessionKey(s.keys, frame.Payload[:keyDigits])
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", frame.ConnID).Msg("secure handshake rejected")
			return
		}
		sess = security.NewSession(key)
		userPart = frame.Payload[keyDigits:]
	}

	username, err := protocol.DecodeText(userPart)
	if err != nil || username == "" {
		// Fall back to the channel's originating-user attribution.
		username = ev.User
	}

	conn := newConnection(s, frame.ConnID, username, sess)

	s.mu.Lock()
	s.conns[frame.ConnID] = conn
	s.mu.Unlock()

	select {
	case s.pending <- conn:
		s.logger.Debug().
			Str("conn_id", conn.id).
			Bool("secure", conn.secure).
			Msg("handshake queued")
	default:
		s.mu.Lock()
		delete(s.conns, frame.ConnID)
		s.mu.Unlock()
		s.logger.Warn().Str("conn_id", frame.ConnID).Msg("accept backlog full, handshake dropped")
	}
}

func (s *Socket) handleData(frame protocol.Frame) {
	conn := s.lookup(frame.ConnID)
	if conn == nil {
		s.logger.Debug().Str("conn_id", frame.ConnID).Msg("data frame for unknown connection")
		return
	}

	payload, complete, err := conn.asm.Add(frame)
	if err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.id).Msg("dropping fragment")
		return
	}
	conn.touch()
	if !complete {
		return
	}

	msg, err := conn.decodeInbound(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("conn_id", conn.id).Msg("rejecting message")
		return
	}

	select {
	case conn.inbound <- msg:
	default:
		s.logger.Warn().Str("conn_id", conn.id).Msg("inbound queue full, message dropped")
	}
}

func (s *Socket) handleClose(frame protocol.Frame) {
	conn := s.lookup(frame.ConnID)
	if conn == nil {
		return
	}
	s.logger.Info().Str("conn_id", conn.id).Msg("peer closed connection")
	conn.closeWithFrame(false)
}

func (s *Socket) lookup(connID string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[connID]
}

func (s *Socket) remove(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

// writeFrames serializes frame writes across all connections so concurrent
// sends never interleave destructively within a channel slot, and paces
// consecutive writes so a polling client observes each overwrite.
func (s *Socket) writeFrames(frames []protocol.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for i, frame := range frames {
		value, err := frame.Encode()
		if err != nil {
			return err
		}
		slot := s.conf.OutboundVars[s.slot]
		s.slot = (s.slot + 1) % len(s.conf.OutboundVars)

		ctx, cancel := context.WithTimeout(context.Background(), setWriteTimeout)
		err = s.ch.Set(ctx, slot, value)
		cancel()
		if err != nil {
			return fmt.Errorf("write frame %d/%d to %s: %w", i+1, len(frames), slot, err)
		}

		if i < len(frames)-1 {
			select {
			case <-time.After(s.conf.PaceInterval):
			case <-s.done:
				return ErrClosed
			}
		}
	}
	return nil
}

// nextWriteSalt returns a strictly increasing salt in centiseconds.
func (s *Socket) nextWriteSalt() uint64 {
	now := uint64(time.Now().UnixMilli() / 10)
	for {
		last := s.writeSalt.Load()
		salt := now
		if salt <= last {
			salt = last + 1
		}
		if s.writeSalt.CompareAndSwap(last, salt) {
			return salt
		}
	}
}
