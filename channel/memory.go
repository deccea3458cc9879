package channel

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Channel used by tests, the loopback demo and the
// client dialer's local mode. It mirrors the cloud's semantics: overwriting
// writes, all-subscriber visibility, per-subscriber ordered delivery.
type Memory struct {
	mu       sync.Mutex
	values   map[string]string
	subs     map[int]*memorySub
	nextSub  int
	maxLen   int
	username string
	closed   bool
}

type memorySub struct {
	fn     func(Event)
	events chan Event
	done   chan struct{}
	stop   sync.Once
}

// shutdown stops the delivery goroutine. Both cancel and Close may race to
// call it.
func (s *memorySub) shutdown() {
	s.stop.Do(func() { close(s.done) })
}

// memorySubBacklog bounds the per-subscriber event queue. A subscriber that
// falls this far behind starts losing events, same as a slow cloud poller.
const memorySubBacklog = 256

// NewMemory creates an in-process channel. maxLen bounds value length the
// way the real cloud bounds packet size; username is attributed to every
// Set, standing in for the originating cloud user.
func NewMemory(maxLen int, username string) *Memory {
	return &Memory{
		values:   make(map[string]string),
		subs:     make(map[int]*memorySub),
		maxLen:   maxLen,
		username: username,
	}
}

// Set overwrites the variable and fans the event out to subscribers.
func (m *Memory) Set(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidValue(value, m.maxLen); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrUnavailable
	}
	old := m.values[name]
	m.values[name] = value
	ev := Event{
		Var:       name,
		Old:       old,
		New:       value,
		User:      m.username,
		Timestamp: time.Now(),
	}
	for _, sub := range m.subs {
		select {
		case sub.events <- ev:
		default:
			// Subscriber is too far behind; the overwrite is lost to it,
			// exactly as on the real channel.
		}
	}
	m.mu.Unlock()
	return nil
}

// Get returns the current value; unknown variables read as empty.
func (m *Memory) Get(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrUnavailable
	}
	return m.values[name], nil
}

// Subscribe registers a callback. Delivery runs on a dedicated goroutine so
// a slow callback never blocks writers.
func (m *Memory) Subscribe(fn func(Event)) (cancel func()) {
	sub := &memorySub{
		fn:     fn,
		events: make(chan Event, memorySubBacklog),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.mu.Unlock()

	go sub.run()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.shutdown()
	}
}

func (s *memorySub) run() {
	for {
		select {
		case ev := <-s.events:
			s.fn(ev)
		case <-s.done:
			// Drain what was already queued before stopping.
			for {
				select {
				case ev := <-s.events:
					s.fn(ev)
				default:
					return
				}
			}
		}
	}
}

// Close marks the channel unreachable and cancels all subscriptions.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}
