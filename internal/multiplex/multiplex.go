// Package multiplex shares one physical live-stream connection per endpoint among many
// subscribers, with reference-counted teardown and reconnect after a fixed backoff.
package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/juju/clock"
)

const DefaultBackoff = 5 * time.Second

// ErrUnauthorized marks a dial failure that retrying cannot fix.
var ErrUnauthorized = errors.New("stream unauthorized")

// Callback receives the JSON data of each frame. It must not block for long: frames of one
// endpoint are delivered sequentially.
type Callback func(frame []byte)

// Conn is one physical streaming connection.
type Conn interface {
	// Next blocks until the next frame's data arrives.
	Next() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type subscriber struct {
	id       uint64
	callback Callback

	// mu is held for the length of a delivery, so gone is never set halfway through one.
	mu   sync.Mutex
	gone bool
}

func (s *subscriber) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gone {
		s.callback(frame)
	}
}

type endpoint struct {
	state State
	// generation changes every time a connection attempt is started or abandoned, so a
	// goroutine holding an older value knows its connection no longer belongs here.
	generation  uint64
	cancel      context.CancelFunc
	conn        Conn
	subscribers []*subscriber
	retry       clock.Timer
	terminal    bool
}

type Multiplexer struct {
	dialer  Dialer
	clock   clock.Clock
	backoff time.Duration
	onError func(endpoint string, err error)

	mu        sync.Mutex
	endpoints map[string]*endpoint
	nextID    uint64
	closed    bool
}

type Option func(*Multiplexer)

func WithBackoff(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.backoff = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Multiplexer) {
		m.clock = c
	}
}

// WithErrorHandler observes transport and authorization failures.
func WithErrorHandler(fn func(endpoint string, err error)) Option {
	return func(m *Multiplexer) {
		m.onError = fn
	}
}

func New(dialer Dialer, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		dialer:    dialer,
		clock:     clock.WallClock,
		backoff:   DefaultBackoff,
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers callback for endpoint, opening the physical connection on first use.
// The returned function unsubscribes; calling it more than once is harmless. Once it returns,
// callback is not called again. It waits for a delivery already in progress, so it must not
// be called from inside callback.
func (m *Multiplexer) Subscribe(name string, callback Callback) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	ep, ok := m.endpoints[name]
	if !ok {
		ep = &endpoint{}
		m.endpoints[name] = ep
	}
	m.nextID++
	id := m.nextID
	ep.subscribers = append(ep.subscribers, &subscriber{id: id, callback: callback})
	if ep.state == Disconnected && ep.retry == nil && !ep.terminal {
		m.connectLocked(name, ep)
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(name, id) })
	}
}

// Connections reports how many physical connections are currently open.
func (m *Multiplexer) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ep := range m.endpoints {
		if ep.conn != nil {
			count++
		}
	}
	return count
}

// State reports the lifecycle state of endpoint.
func (m *Multiplexer) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[name]; ok {
		return ep.state
	}
	return Disconnected
}

// Close tears down every endpoint. Subsequent subscriptions are ignored.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	var conns []Conn
	for name, ep := range m.endpoints {
		if conn := m.teardownLocked(name, ep); conn != nil {
			conns = append(conns, conn)
		}
	}
	m.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (m *Multiplexer) unsubscribe(name string, id uint64) {
	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	var removed *subscriber
	for i, sub := range ep.subscribers {
		if sub.id == id {
			removed = sub
			ep.subscribers = append(ep.subscribers[:i:i], ep.subscribers[i+1:]...)
			break
		}
	}
	var conn Conn
	if len(ep.subscribers) == 0 {
		conn = m.teardownLocked(name, ep)
	}
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if removed != nil {
		// A run goroutine may still hold it in a copied subscriber list.
		removed.mu.Lock()
		removed.gone = true
		removed.mu.Unlock()
	}
}

// teardownLocked forgets the endpoint and returns its connection for closing outside the lock.
func (m *Multiplexer) teardownLocked(name string, ep *endpoint) Conn {
	ep.generation++
	if ep.cancel != nil {
		ep.cancel()
		ep.cancel = nil
	}
	if ep.retry != nil {
		ep.retry.Stop()
		ep.retry = nil
	}
	conn := ep.conn
	ep.conn = nil
	ep.state = Disconnected
	delete(m.endpoints, name)
	return conn
}

func (m *Multiplexer) connectLocked(name string, ep *endpoint) {
	ep.generation++
	ctx, cancel := context.WithCancel(context.Background())
	ep.cancel = cancel
	ep.state = Connecting
	go m.run(ctx, name, ep, ep.generation)
}

func (m *Multiplexer) current(name string, ep *endpoint, generation uint64) bool {
	return m.endpoints[name] == ep && ep.generation == generation
}

func (m *Multiplexer) run(ctx context.Context, name string, ep *endpoint, generation uint64) {
	conn, err := m.dialer.Dial(ctx, name)

	m.mu.Lock()
	if !m.current(name, ep, generation) {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.failLocked(name, ep, err)
		m.mu.Unlock()
		m.report(name, err)
		return
	}
	ep.conn = conn
	ep.state = Connected
	m.mu.Unlock()

	for {
		data, err := conn.Next()
		if err != nil {
			_ = conn.Close()
			m.mu.Lock()
			stale := !m.current(name, ep, generation)
			if !stale {
				m.failLocked(name, ep, err)
			}
			m.mu.Unlock()
			if !stale {
				m.report(name, err)
			}
			return
		}
		if !json.Valid(data) {
			log.Printf("multiplex: dropping malformed frame from %s", name)
			continue
		}

		m.mu.Lock()
		if !m.current(name, ep, generation) {
			m.mu.Unlock()
			return
		}
		subscribers := append([]*subscriber(nil), ep.subscribers...)
		m.mu.Unlock()

		for _, sub := range subscribers {
			sub.deliver(data)
		}
	}
}

// failLocked drops the broken connection and schedules a reconnect while anyone still listens.
func (m *Multiplexer) failLocked(name string, ep *endpoint, err error) {
	ep.generation++
	if ep.cancel != nil {
		ep.cancel()
		ep.cancel = nil
	}
	ep.conn = nil
	ep.state = Disconnected

	if len(ep.subscribers) == 0 || m.closed {
		delete(m.endpoints, name)
		return
	}
	if errors.Is(err, ErrUnauthorized) {
		ep.terminal = true
		return
	}
	ep.retry = m.clock.AfterFunc(m.backoff, func() {
		m.reconnect(name, ep)
	})
}

func (m *Multiplexer) reconnect(name string, ep *endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoints[name] != ep || ep.retry == nil {
		return
	}
	ep.retry = nil
	if m.closed || len(ep.subscribers) == 0 || ep.state != Disconnected {
		return
	}
	m.connectLocked(name, ep)
}

func (m *Multiplexer) report(name string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("multiplex: %s stream dropped: %v", name, err)
	if m.onError != nil {
		m.onError(name, err)
	}
}
