package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	State         State
	Addr          string
	DialAttempts  uint64
	Connects      uint64
	Disconnects   uint64
	LastError     string // newest dial or link failure, cleared on connect
}

// Manager owns the socket to the pose server. At most one background dial
// job exists at a time; it is stopped and joined by Close.
type Manager struct {
	reconnect    time.Duration
	dialTimeout  time.Duration
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	errorHandler func(error)
	stateHandler func(State)
	log          *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	addr    string
	conn    net.Conn
	lastErr string
	closed  bool

	dialAttempts atomic.Uint64
	connects     atomic.Uint64
	disconnects  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithReconnectInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconnect = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

func WithDialFunc(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.dial = fn
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.errorHandler = fn
		}
	}
}

// WithStateHandler registers a callback invoked after every state change.
// It runs on the goroutine that caused the change and must not block.
func WithStateHandler(fn func(State)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.stateHandler = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		reconnect:   100 * time.Millisecond,
		dialTimeout: 1 * time.Second,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		d := &net.Dialer{Timeout: m.dialTimeout}
		m.dial = d.DialContext
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// SetAddress changes the dial target for subsequent attempts. An established
// connection is left alone.
func (m *Manager) SetAddress(addr string) {
	m.mu.Lock()
	m.addr = addr
	m.mu.Unlock()
}

func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Connect makes a single blocking dial to addr. On success the new socket
// replaces any previous one and the state becomes Connected. Failures are
// reported only through the return value and the error handler.
func (m *Manager) Connect(ctx context.Context, addr string) bool {
	if addr == "" {
		return false
	}
	m.dialAttempts.Add(1)

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.log.Debug("transport: dial failed", "addr", addr, "error", err)
		m.handleError(err)
		return false
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	old := m.conn
	m.conn = conn
	m.lastErr = ""
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	m.connects.Add(1)
	m.setState(Connected)
	m.log.Info("transport: connected", "addr", addr, "local", conn.LocalAddr().String())
	return true
}

// EnsureConnected returns immediately. When the manager is Disconnected it
// moves to Connecting and starts the background dial job; concurrent callers
// lose the compare-and-swap and spawn nothing.
func (m *Manager) EnsureConnected() {
	if !m.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.state.Store(int32(Disconnected))
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.notify(Connecting)
	go m.run()
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		if m.ctx.Err() != nil {
			m.state.CompareAndSwap(int32(Connecting), int32(Disconnected))
			return
		}
		if m.Connect(m.ctx, m.Address()) {
			return
		}
		m.sleepBackoff(m.ctx)
	}
}

// Conn returns the socket while the manager is Connected.
func (m *Manager) Conn() (net.Conn, bool) {
	if m.State() != Connected {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.conn != nil
}

// Fail tears down conn after a send or receive error: the socket is closed,
// the state drops to Disconnected, and only then is the dial job re-armed.
// A stale conn (already replaced) is closed and otherwise ignored.
func (m *Manager) Fail(conn net.Conn, err error) {
	m.mu.Lock()
	if conn != nil && conn != m.conn {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	conn = m.conn
	m.conn = nil
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	if m.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
		m.disconnects.Add(1)
		m.notify(Disconnected)
		m.log.Warn("transport: connection lost", "error", err)
	}
	if err != nil {
		m.handleError(err)
	}
	m.EnsureConnected()
}

// Close stops the dial job, closes the socket (unblocking pending reads) and
// waits for the job to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	if State(m.state.Swap(int32(Disconnected))) != Disconnected {
		m.notify(Disconnected)
	}
	return err
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	addr, lastErr := m.addr, m.lastErr
	m.mu.Unlock()
	return Stats{
		State:         m.State(),
		Addr:          addr,
		DialAttempts:  m.dialAttempts.Load(),
		Connects:      m.connects.Load(),
		Disconnects:   m.disconnects.Load(),
		LastError: lastErr,
	}
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.notify(s)
	}
}

func (m *Manager) notify(s State) {
	if m.stateHandler != nil {
		m.stateHandler(s)
	}
}

func (m *Manager) sleepBackoff(ctx context.Context) {
	timer := time.NewTimer(m.reconnect)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
}

func (m *Manager) handleError(err error) {
	if m.errorHandler != nil {
		m.errorHandler(err)
	}
}
