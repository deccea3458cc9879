package socket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCommCraft/scratchcommunication/protocol"
	"github.com/TheCommCraft/scratchcommunication/security"
)

// inboundBacklog bounds complete messages waiting for Recv.
const inboundBacklog = 64

// Connection is one logical client session multiplexed over the shared
// channel. It is created by the listener on a handshake frame and owned by
// the socket; consumers interact through Send, Recv and Close.
type Connection struct {
	sock     *Socket
	id       string
	username string
	secure   bool
	session  *security.Session

	// sendSeq is guarded by sock.sendMu; the socket serializes all sends.
	sendSeq int

	// Listener-only state.
	asm      *protocol.Assembler
	readSalt uint64

	inbound      chan string
	recvMu       sync.Mutex // single consumer per connection
	accepted     atomic.Bool
	closed       atomic.Bool
	closedCh     chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func newConnection(s *Socket, id, username string, sess *security.Session) *Connection {
	c := &Connection{
		sock:     s,
		id:       id,
		username: username,
		secure:   sess != nil,
		session:  sess,
		asm:      protocol.NewAssembler(s.conf.FragmentTimeout),
		inbound:  make(chan string, inboundBacklog),
		closedCh: make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the 5-digit connection id chosen by the client.
func (c *Connection) ID() string { return c.id }

// Username returns the claimed username from the handshake.
func (c *Connection) Username() string { return c.username }

// Secure reports whether the connection negotiated the security layer.
func (c *Connection) Secure() bool { return c.secure }

// LastActivity returns the time of the last frame seen for this connection.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send fragments data into ordered frames and writes them across the
// outbound slots. On secure connections the message is sealed before
// chunking, so the per-fragment payload budget shrinks by the cipher's
// overhead. Send returns once all frames are written; delivery beyond the
// channel's native update visibility is not guaranteed.
func (c *Connection) Send(data string) error {
	if c.closed.Load() {
		return fmt.Errorf("send: %w", ErrClosed)
	}

	var digits string
	if c.secure {
		salt := c.sock.nextWriteSalt()
		sealed, err := c.session.Seal(data, salt)
		if err != nil {
			return fmt.Errorf("seal message: %w", err)
		}
		digits = protocol.EncodeText(sealed) + security.FormatSalt(salt)
	} else {
		digits = protocol.EncodeText(data)
	}

	c.sock.sendMu.Lock()
	seq := c.sendSeq
	c.sendSeq = (c.sendSeq + 1) % protocol.SeqModulus
	c.sock.sendMu.Unlock()

	frames, err := protocol.Fragment(protocol.FlagData, c.id, seq, digits, c.sock.conf.PacketSize)
	if err != nil {
		return fmt.Errorf("fragment message: %w", err)
	}
	return c.sock.writeFrames(frames)
}

// Recv blocks until a complete message is reassembled for this connection
// or the timeout elapses. Messages arrive in the order their fragment sets
// complete. Concurrent Recv on one connection is serialized.
func (c *Connection) Recv(timeout time.Duration) (string, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	// Deliver anything already buffered, even after close.
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

// Close sends a best-effort close frame and releases the connection.
// Further operations fail with ErrClosed.
func (c *Connection) Close() error {
	c.closeWithFrame(true)
	return nil
}

func (c *Connection) closeWithFrame(sendFrame bool) {
	c.closeOnce.Do(func() {
		if sendFrame {
			c.sock.sendMu.Lock()
			seq := c.sendSeq
			c.sendSeq = (c.sendSeq + 1) % protocol.SeqModulus
			c.sock.sendMu.Unlock()

			frames, err := protocol.Fragment(protocol.FlagClose, c.id, seq, "", c.sock.conf.PacketSize)
			if err == nil {
				if err := c.sock.writeFrames(frames); err != nil {
					c.sock.logger.Debug().Err(err).Str("conn_id", c.id).Msg("close frame not delivered")
				}
			}
		}
		c.closed.Store(true)
		close(c.closedCh)
		c.sock.remove(c.id)
	})
}

// decodeInbound converts a reassembled digit payload into the application
// message, enforcing the security layer when negotiated. It runs on the
// listener goroutine.
func (c *Connection) decodeInbound(payload string) (string, error) {
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
	now := uint64(time.Now().Add(saltWindow).UnixMilli() / 10)
	if salt > now {
		return "", fmt.Errorf("%w: salt %d too far ahead", security.ErrDecrypt, salt)
	}

	text, err := protocol.DecodeText(rest)
	if err != nil {
		return "", err
	}
	msg, err := c.session.Open(text, salt)
	if err != nil {
		// The message is rejected; the connection is never silently
		// treated as plaintext.
		return "", err
	}
	c.readSalt = salt
	return msg, nil
}
