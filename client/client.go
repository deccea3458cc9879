// Package client implements the project-facing side of the cloud socket:
// it dials a listening socket over the same channel, speaking the identical
// frame format in the opposite direction. It exists for end-to-end tests,
// the loopback demo, and Go processes standing in for a project.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
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
	// ErrTimeout reports a recv that exceeded its bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed reports an operation on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrHandshakeTooLarge reports a username that does not fit a single
	// handshake frame.
	ErrHandshakeTooLarge = errors.New("handshake exceeds one frame")
)

const (
	inboundBacklog  = 64
	setWriteTimeout = 10 * time.Second
)

// Conn is a dialed connection to a listening cloud socket.
type Conn struct {
	ch     channel.Channel
	conf   *config.Socket
	logger zerolog.Logger

	id       string
	username string
	secure   bool
	session  *security.Session

	sendMu    sync.Mutex
	sendSeq   int
	writeSalt atomic.Uint64

	// Listener-only state.
	asm      *protocol.Assembler
	readSalt uint64
	outbound map[string]bool

	inbound   chan string
	recvMu    sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	closed    atomic.Bool
	closedCh  chan struct{}
	onceStop  sync.Once
	unsub     func()
}

// Dial connects insecurely: traffic is plaintext and unauthenticated.
func Dial(ch channel.Channel, conf *config.Socket, username string, logger zerolog.Logger) (*Conn, error) {
	return dial(ch, conf, username, nil, logger)
}

// DialSecure negotiates the security layer using the server's public key:
// a fresh session key is encrypted block-wise into the handshake frame and
// all subsequent payloads are sealed with the session cipher.
func DialSecure(ch channel.Channel, conf *config.Socket, username string, pub *security.PublicKey, logger zerolog.Logger) (*Conn, error) {
	if pub == nil {
		return nil, fmt.Errorf("dial secure: nil public key")
	}
	return dial(ch, conf, username, pub, logger)
}

func dial(ch channel.Channel, conf *config.Socket, username string, pub *security.PublicKey, logger zerolog.Logger) (*Conn, error) {
	conf.ApplyDefaults()

	id, err := randConnID()
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ch:       ch,
		conf:     conf,
		logger:   logger.With().Str("com", "cloud-client").Str("conn_id", id).Logger(),
		id:       id,
		username: username,
		asm:      protocol.NewAssembler(conf.FragmentTimeout),
		outbound: make(map[string]bool, len(conf.OutboundVars)),
		inbound:  make(chan string, inboundBacklog),
		ready:    make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	for _, v := range conf.OutboundVars {
		c.outbound[v] = true
	}

	flags := protocol.FlagConnect
	payload := protocol.EncodeText(username)
	if pub != nil {
		key, err := security.NewSessionKey()
		if err != nil {
			return nil, err
		}
		sealed, err := security.SealSessionKey(pub, key)
		if err != nil {
			return nil, fmt.Errorf("seal session key: %w", err)
		}
		c.secure = true
		c.session = security.NewSession(key)
		flags = protocol.FlagSecureConnect
		payload = sealed + payload
	}
	if len(payload) > conf.PacketSize-protocol.HeaderSize {
		return nil, ErrHandshakeTooLarge
	}

	// Subscribe before the handshake so the first server frames are not
	// missed.
	c.unsub = ch.Subscribe(c.onEvent)

	frame := protocol.Frame{
		Flags:   flags,
		ConnID:  id,
		Seq:     0,
		Index:   0,
		Total:   1,
		Payload: payload,
	}
	c.sendSeq = 1
	if err := c.writeFrame(frame); err != nil {
		c.unsub()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c.logger.Info().Bool("secure", c.secure).Msg("connected")
	return c, nil
}

// ID returns the connection id this dialer chose.
func (c *Conn) ID() string { return c.id }

// WaitReady blocks until the server acknowledges the handshake or the
// timeout elapses. Dial returns as soon as the handshake frame is written;
// callers that need confirmation before sending wait here.
func (c *Conn) WaitReady(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("await connect ack: %w", ErrTimeout)
	case <-c.closedCh:
		return fmt.Errorf("await connect ack: %w", ErrClosed)
	}
}

// Secure reports whether the security layer was negotiated.
func (c *Conn) Secure() bool { return c.secure }

// Send writes one message to the server, fragmenting and pacing like the
// server side but over the single inbound slot.
func (c *Conn) Send(data string) error {
	if c.closed.Load() {
		return fmt.Errorf("send: %w", ErrClosed)
	}

	var digits string
	if c.secure {
		salt := c.nextWriteSalt()
		sealed, err := c.session.Seal(data, salt)
		if err != nil {
			return fmt.Errorf("seal message: %w", err)
		}
		digits = protocol.EncodeText(sealed) + security.FormatSalt(salt)
	} else {
		digits = protocol.EncodeText(data)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	seq := c.sendSeq
	c.sendSeq = (c.sendSeq + 1) % protocol.SeqModulus

	frames, err := protocol.Fragment(protocol.FlagData, c.id, seq, digits, c.conf.PacketSize)
	if err != nil {
		return fmt.Errorf("fragment message: %w", err)
	}
	for i, frame := range frames {
		if err := c.writeFrame(frame); err != nil {
			return err
		}
		if i < len(frames)-1 {
			select {
			case <-time.After(c.conf.PaceInterval):
			case <-c.closedCh:
				return ErrClosed
			}
		}
	}
	return nil
}

// Recv blocks until a complete server message arrives or the timeout
// elapses.
func (c *Conn) Recv(timeout time.Duration) (string, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
	}
	if c.closed.Load() {
		return "", fmt.Errorf("recv: %w", ErrClosed)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-timer.C:
		return "", fmt.Errorf("recv: %w", ErrTimeout)
	case <-c.closedCh:
		select {
		case msg := <-c.inbound:
			return msg, nil
		default:
			return "", fmt.Errorf("recv: %w", ErrClosed)
		}
	}
}

// Close sends a best-effort close frame and releases the subscription.
func (c *Conn) Close() error {
	c.onceStop.Do(func() {
		c.sendMu.Lock()
		seq := c.sendSeq
		c.sendSeq = (c.sendSeq + 1) % protocol.SeqModulus
		c.sendMu.Unlock()

		frame := protocol.Frame{
			Flags: protocol.FlagClose, ConnID: c.id,
			Seq: seq, Index: 0, Total: 1,
		}
		if err := c.writeFrame(frame); err != nil {
			c.logger.Debug().Err(err).Msg("close frame not delivered")
		}
		c.closed.Store(true)
		close(c.closedCh)
		c.unsub()
	})
	return nil
}

func (c *Conn) onEvent(ev channel.Event) {
	if !c.outbound[ev.Var] {
		return
	}
	frame, err := protocol.ParseFrame(ev.New)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	if frame.ConnID != c.id {
		return
	}

	switch frame.Flags {
	case protocol.FlagData:
		payload, complete, err := c.asm.Add(frame)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping fragment")
			return
		}
		if !complete {
			return
		}
		msg, err := c.decodeInbound(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("rejecting message")
			return
		}
		select {
		case c.inbound <- msg:
		default:
			c.logger.Warn().Msg("inbound queue full, message dropped")
		}
	case protocol.FlagConnectAck:
		c.readyOnce.Do(func() { close(c.ready) })
	case protocol.FlagClose:
		c.logger.Info().Msg("server closed connection")
		c.closeLocal()
	}
}

func (c *Conn) closeLocal() {
	c.onceStop.Do(func() {
		c.closed.Store(true)
		close(c.closedCh)
		c.unsub()
	})
}

func (c *Conn) decodeInbound(payload string) (string, error) {
	if !c.secure {
		return protocol.DecodeText(payload)
	}
	salt, rest, err := security.SplitSalt(payload)
	if err != nil {
		return "", err
	}
	if salt <= c.readSalt {
		return "", fmt.Errorf("%w: replayed salt %d", security.ErrDecrypt, salt)
	}
	text, err := protocol.DecodeText(rest)
	if err != nil {
		return "", err
	}
	msg, err := c.session.Open(text, salt)
	if err != nil {
		return "", err
	}
	c.readSalt = salt
	return msg, nil
}

func (c *Conn) writeFrame(frame protocol.Frame) error {
	value, err := frame.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), setWriteTimeout)
	defer cancel()
	if err := c.ch.Set(ctx, c.conf.InboundVar, value); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) nextWriteSalt() uint64 {
	now := uint64(time.Now().UnixMilli() / 10)
	for {
		last := c.writeSalt.Load()
		salt := now
		if salt <= last {
			salt = last + 1
		}
		if c.writeSalt.CompareAndSwap(last, salt) {
			return salt
		}
	}
}

// randConnID draws a random 5-digit connection id.
func randConnID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("conn id: %w", err)
	}
	n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return fmt.Sprintf("%05d", n%100000), nil
}
