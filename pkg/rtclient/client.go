// Package rtclient is the client half of the real-time channel: one owned
// transport connection, a three-state connection machine with automatic
// jittered-backoff reconnection, a listener registry multiplexing many
// callbacks over one transport subscription per event name, and a FIFO queue
// for emits made while offline.
package rtclient

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskpulse/internal/core/domain"
)

// State is the externally observable connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL           string
	MaxAttempts   int           // reconnect attempts before settling disconnected
	BaseDelay     time.Duration // first backoff interval
	MaxDelay      time.Duration // backoff ceiling
	Randomization float64       // jitter factor
	QueueLimit    int           // pending-emit cap; oldest entries drop first
	Dialer        Dialer
	Logger        *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if c.Randomization <= 0 {
		c.Randomization = 0.4
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 512
	}
	if c.Dialer == nil {
		c.Dialer = NewWebSocketDialer()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one transport connection and everything layered on it.
// All exported methods are safe for concurrent use and none of them block
// on the network beyond a single frame write.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	credential string
	// gen invalidates everything belonging to a previous Connect or
	// Disconnect: stale read loops and timers check it before touching
	// shared state, so nothing fires after teardown.
	gen       int
	cancel    context.CancelFunc
	listeners map[string]map[int]Handler
	nextID    int
	pending   []pendingEmit
	observers []func(State)
}

// Handler receives the raw payload of one dispatched event.
type Handler func(data []byte)

type pendingEmit struct {
	event   string
	payload any
}

func NewManager(cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		state:     StateDisconnected,
		listeners: make(map[string]map[int]Handler),
	}
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer notified on actual transitions only;
// reconnect attempts that re-enter connecting do not re-fire it.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Connect starts (or restarts) the connection with the given credential.
// Idempotent: any previous transport is fully torn down first. The call
// returns immediately; progress is reported through the state observer.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	m.teardownLocked()
	m.credential = credential
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	notify := m.transitionLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	go m.run(ctx, gen)
}

// Disconnect tears the connection down and synchronously removes every
// installed dispatcher, so no stale callback can fire afterwards. No
// automatic reconnection follows; a fresh Connect is required.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.gen++
	m.listeners = make(map[string]map[int]Handler)
	notify := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()
	notify()
}

// Emit sends immediately when connected, otherwise appends to the FIFO
// pending queue flushed on the next (re)connect.
func (m *Manager) Emit(event string, payload any) {
	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil {
		conn := m.conn
		data, err := domain.EncodeEvent(event, payload)
		if err == nil {
			// Write under the lock: the transport allows one writer.
			_ = conn.WriteMessage(data)
		}
		m.mu.Unlock()
		return
	}
	if len(m.pending) >= m.cfg.QueueLimit {
		// Bounded queue: drop the oldest entry rather than grow without
		// limit across a long disconnection.
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, pendingEmit{event: event, payload: payload})
	m.mu.Unlock()
}

// JoinTeam requests membership of a team room on this connection.
func (m *Manager) JoinTeam(teamID string) {
	m.Emit(domain.EventJoinTeam, domain.JoinTeamRequest{TeamID: teamID})
}

// LeaveTeam leaves a team room on this connection.
func (m *Manager) LeaveTeam(teamID string) {
	m.Emit(domain.EventLeaveTeam, domain.LeaveTeamRequest{TeamID: teamID})
}

// run drives the reconnect loop for one Connect generation: dial with
// backoff until connected, pump frames until the transport drops, then go
// around again with a fresh set of attempts. Exhausting the attempts settles
// the machine at disconnected.
func (m *Manager) run(ctx context.Context, gen int) {
	for {
		conn, ok := m.connectOnce(ctx, gen)
		if !ok {
			m.settle(gen, StateDisconnected)
			return
		}
		m.readUntilClosed(gen, conn)
		if ctx.Err() != nil {
			return
		}
		// Transport dropped out from under us.
		m.settle(gen, StateConnecting)
	}
}

// connectOnce runs one bounded attempt sequence. Re-entering connecting
// between attempts is not a state transition, so observers stay quiet.
func (m *Manager) connectOnce(ctx context.Context, gen int) (Conn, bool) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.RandomizationFactor = m.cfg.Randomization
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, false
		}
		conn, err := m.cfg.Dialer.Dial(ctx, m.dialURL())
		if err == nil {
			if !m.attach(gen, conn) {
				_ = conn.Close()
				return nil, false
			}
			return conn, true
		}
		m.log.Warn("rtclient - connect - attempt failed", "attempt", attempt, "err", err)
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(bo.NextBackOff()):
		}
	}
	m.log.Warn("rtclient - connect - attempts exhausted", "attempts", m.cfg.MaxAttempts)
	return nil, false
}

// attach installs the new transport and flushes the pending queue in its
// original order.
func (m *Manager) attach(gen int, conn Conn) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	queued := m.pending
	m.pending = nil
	notify := m.transitionLocked(StateConnected)
	for _, p := range queued {
		data, err := domain.EncodeEvent(p.event, p.payload)
		if err != nil {
			continue
		}
		_ = conn.WriteMessage(data)
	}
	m.mu.Unlock()
	notify()
	return true
}

func (m *Manager) readUntilClosed(gen int, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.dispatch(gen, data)
	}
}

// settle moves the machine to a state unless the generation went stale.
func (m *Manager) settle(gen int, s State) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	notify := m.transitionLocked(s)
	m.mu.Unlock()
	notify()
}

// transitionLocked applies a state change and returns the observer
// notification to run after the lock is released. Duplicate states are
// swallowed: observers see transitions, never repeats.
func (m *Manager) transitionLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	observers := make([]func(State), len(m.observers))
	copy(observers, m.observers)
	return func() {
		for _, fn := range observers {
			fn(s)
		}
	}
}

// teardownLocked stops the previous generation's loop and transport.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) dialURL() string {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()
	return m.cfg.URL + "?auth=" + url.QueryEscape(credential)
}
