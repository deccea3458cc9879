package request

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCommCraft/scratchcommunication/config"
	"github.com/TheCommCraft/scratchcommunication/socket"
)

// Tagged error responses. Each failure mode is distinguishable to the
// caller; none of them terminates the dispatch loop.
const (
	RespErrSyntax   = "ERR syntax"
	RespErrUnknown  = "ERR unknown request"
	RespErrArgument = "ERR bad argument"
	RespErrInternal = "ERR internal"
)

// Option adjusts one registered handler.
type Option func(*registered)

// AutoConvert coerces string arguments into the handler's declared
// parameter types instead of requiring exact literal kinds.
func AutoConvert() Option { return func(r *registered) { r.autoConvert = true } }

// NoCallSyntax restricts the handler to the plain positional request form.
func NoCallSyntax() Option { return func(r *registered) { r.allowCall = false } }

// Threaded runs the handler and its response delivery on a separate
// goroutine so a slow handler cannot stall other requests.
func Threaded() Option { return func(r *registered) { r.threaded = true } }

// WithParamNames declares parameter names for keyword-argument matching.
// Go reflection does not expose declared parameter names, so handlers that
// accept keyword arguments must name them explicitly.
func WithParamNames(names ...string) Option {
	return func(r *registered) { r.paramNames = names }
}

type registered struct {
	name        string
	fn          reflect.Value
	plan        paramPlan
	paramNames  []string
	autoConvert bool
	allowCall   bool
	threaded    bool
}

// Handler consumes socket messages as RPC calls, invokes registered
// functions and writes responses back on the same connection.
type Handler struct {
	sock   *socket.Socket
	conf   *config.Handler
	logger zerolog.Logger

	mu       sync.Mutex
	requests map[string]*registered

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a handler bound to a socket.
func New(sock *socket.Socket, conf *config.Handler, logger zerolog.Logger) *Handler {
	if conf == nil {
		conf = &config.Handler{}
	}
	conf.ApplyDefaults()
	return &Handler{
		sock:     sock,
		conf:     conf,
		logger:   logger.With().Str("com", "request-handler").Logger(),
		requests: make(map[string]*registered),
	}
}

// Add registers fn under name. Call-expression syntax is allowed unless
// disabled. Registering an existing name replaces the prior handler; the
// replacement is deterministic and takes effect for the next request.
func (h *Handler) Add(name string, fn any, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("handler name must not be empty")
	}
	reg := &registered{
		name:      name,
		fn:        reflect.ValueOf(fn),
		allowCall: true,
	}
	for _, opt := range opts {
		opt(reg)
	}
	plan, err := buildPlan(reg.fn.Type(), reg.paramNames)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	reg.plan = plan

	h.mu.Lock()
	if _, exists := h.requests[name]; exists {
		h.logger.Warn().Str("request", name).Msg("replacing registered handler")
	}
	h.requests[name] = reg
	h.mu.Unlock()
	return nil
}

// StartOption adjusts a background run.
type StartOption func(*startConfig)

type startConfig struct {
	duration time.Duration
}

// WithDuration bounds how long the background loop runs.
func WithDuration(d time.Duration) StartOption {
	return func(c *startConfig) { c.duration = d }
}

// Start runs the dispatch loop on a background goroutine. Use Stop to
// terminate it; the loop notices cancellation within one iteration.
func (h *Handler) Start(opts ...StartOption) {
	var sc startConfig
	for _, opt := range opts {
		opt(&sc)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if sc.duration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), sc.duration)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	h.cancel = cancel
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			h.logger.Error().Err(err).Msg("dispatch loop failed")
		}
	}()
}

// Stop requests termination at the next safe point and waits for the
// background loop to exit. Idempotent.
func (h *Handler) Stop() {
	if !h.running.Swap(false) {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info().Msg("request handler stopped")
}

// Run executes the dispatch loop inline until ctx is done: accept new
// connections, receive one message per live connection per round, and
// dispatch. Errors from individual requests never end the loop.
func (h *Handler) Run(ctx context.Context) error {
	if h.sock.State() == socket.StateIdle {
		h.sock.Listen()
	}

	type clientEntry struct {
		conn     *socket.Connection
		username string
	}
	var clients []clientEntry

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, username, err := h.sock.Accept(h.conf.AcceptTimeout)
		switch {
		case err == nil:
			clients = append(clients, clientEntry{conn, username})
			h.logger.Info().
				Str("conn_id", conn.ID()).
				Str("username", username).
				Msg("serving connection")
		case errors.Is(err, socket.ErrClosed), errors.Is(err, socket.ErrNotListening):
			return nil
		case errors.Is(err, socket.ErrTimeout):
			// No new handshake this round.
		default:
			h.logger.Warn().Err(err).Msg("accept failed")
		}

		live := clients[:0]
		for _, entry := range clients {
			msg, err := entry.conn.Recv(h.conf.RecvTimeout)
			switch {
			case errors.Is(err, socket.ErrTimeout):
				live = append(live, entry)
				continue
			case err != nil:
				h.logger.Info().Str("conn_id", entry.conn.ID()).Msg("connection gone")
				continue
			}
			live = append(live, entry)
			h.process(entry.conn, entry.username, msg)
		}
		clients = live
	}
}

// process parses a message into sub-requests and dispatches each. Only the
// final sub-request's result is sent back.
func (h *Handler) process(conn *socket.Connection, username, msg string) {
	reqID := config.NewRequestID()
	logger := h.logger.With().
		Str("req_id", reqID).
		Str("conn_id", conn.ID()).
		Str("username", username).
		Logger()

	subs := SplitRequests(msg)
	if len(subs) == 0 {
		logger.Debug().Msg("empty request body")
		h.respond(conn, logger, RespErrSyntax)
		return
	}

	for i, raw := range subs {
		wantResponse := i == len(subs)-1

		name := nameRe.FindString(raw)
		h.mu.Lock()
		reg := h.requests[name]
		h.mu.Unlock()
		if reg == nil {
			logger.Warn().Str("request", name).Msg("unknown request")
			if wantResponse {
				h.respond(conn, logger, RespErrUnknown)
			}
			continue
		}

		req, err := Parse(raw, reg.allowCall)
		if err != nil {
			logger.Warn().Err(err).Msg("request did not parse")
			if wantResponse {
				h.respond(conn, logger, RespErrSyntax)
			}
			continue
		}

		args, err := reg.plan.bind(req, reg.autoConvert)
		if err != nil {
			logger.Warn().Err(err).Str("request", req.Name).Msg("argument binding failed")
			if wantResponse {
				h.respond(conn, logger, RespErrArgument)
			}
			continue
		}

		logger.Debug().Str("request", req.Name).Int("args", len(args)).Msg("dispatching")
		if reg.threaded {
			h.wg.Add(1)
			go func(reg *registered, args []reflect.Value) {
				defer h.wg.Done()
				h.invoke(conn, logger, reg, args, wantResponse)
			}(reg, args)
			continue
		}
		h.invoke(conn, logger, reg, args, wantResponse)
	}
}

// invoke calls the handler and sends its serialized result or a tagged
// error. Panics are contained per request.
func (h *Handler) invoke(conn *socket.Connection, logger zerolog.Logger, reg *registered, args []reflect.Value, wantResponse bool) {
	resp := h.call(logger, reg, args)
	if !wantResponse {
		return
	}
	h.respond(conn, logger, resp)
}

// call runs the handler, containing panics per request.
func (h *Handler) call(logger zerolog.Logger, reg *registered, args []reflect.Value) (resp string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("request", reg.name).Msg("handler panicked")
			resp = RespErrInternal
		}
	}()

	out := reg.fn.Call(args)
	switch len(out) {
	case 0:
		return ""
	case 1:
		if reg.fn.Type().Out(0).Implements(errType) {
			return errResponse(out[0])
		}
		return fmt.Sprint(out[0].Interface())
	default:
		if !out[1].IsNil() {
			return errResponse(out[1])
		}
		return fmt.Sprint(out[0].Interface())
	}
}

func (h *Handler) respond(conn *socket.Connection, logger zerolog.Logger, resp string) {
	if err := conn.Send(resp); err != nil {
		logger.Warn().Err(err).Msg("response not delivered")
	}
}

// errResponse turns a handler-returned error into a tagged response that
// still carries the handler's message. A nil error is an empty success.
func errResponse(v reflect.Value) string {
	err, _ := v.Interface().(error)
	if err == nil {
		return ""
	}
	return RespErrInternal + ": " + err.Error()
}
