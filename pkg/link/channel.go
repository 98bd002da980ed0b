package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"svlink/pkg/engine"
	"svlink/pkg/protocol"
	"svlink/pkg/transport"
)

// DefaultIOTimeout bounds one exchange to a single 60 Hz frame.
const DefaultIOTimeout = time.Second / 60

// LatencySource reports how far the local capture pipeline lags real time.
type LatencySource interface {
	CaptureLatency() time.Duration
}

// LatencyFunc adapts a function to LatencySource.
type LatencyFunc func() time.Duration

func (f LatencyFunc) CaptureLatency() time.Duration { return f() }

// Channel is the pose link to the headset: one connection manager, one
// outbound telemetry record and one pose cache, with an explicit lifecycle.
type Channel struct {
	mgr       *transport.Manager
	cache     *PoseCache
	hub       *engine.Hub
	ioTimeout time.Duration
	log       *slog.Logger
	mgrOpts   []transport.Option

	// exchangeMu admits one exchange at a time. Responses carry no sequence
	// number and are matched to the request purely by this ordering.
	exchangeMu sync.Mutex
	out        protocol.ClientToServerPacket
	latency    LatencySource
	sendBuf    []byte
	recvBuf    []byte

	lookAhead atomic.Int64
	closed    atomic.Bool

	exchanges atomic.Uint64
	failures  atomic.Uint64
	errMu     sync.Mutex
	lastErr   string
}

type Option func(*Channel)

// WithTransport forwards options to the connection manager.
func WithTransport(opts ...transport.Option) Option {
	return func(c *Channel) {
		c.mgrOpts = append(c.mgrOpts, opts...)
	}
}

func WithIOTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.ioTimeout = d
		}
	}
}

// WithHub publishes every received pose to hub without blocking.
func WithHub(hub *engine.Hub) Option {
	return func(c *Channel) {
		c.hub = hub
	}
}

func WithLatencySource(src LatencySource) Option {
	return func(c *Channel) {
		c.latency = src
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

func New(opts ...Option) *Channel {
	c := &Channel{
		cache:     NewPoseCache(),
		ioTimeout: DefaultIOTimeout,
		log:       slog.Default(),
		sendBuf:   make([]byte, protocol.ClientPacketSize),
		recvBuf:   make([]byte, protocol.ServerPoseSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	mgrOpts := append([]transport.Option{transport.WithLogger(c.log)}, c.mgrOpts...)
	c.mgr = transport.NewManager(mgrOpts...)
	return c
}

// Open creates a channel and starts connecting to addr in the background.
func Open(addr string, opts ...Option) *Channel {
	c := New(opts...)
	if addr != "" {
		_ = c.SetServerAddress(addr)
	}
	return c
}

// SetServerAddress configures the headset address and starts the background
// connection attempt. It never blocks.
func (c *Channel) SetServerAddress(addr string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mgr.SetAddress(addr)
	c.mgr.EnsureConnected()
	return nil
}

func (c *Channel) SetLatencySource(src LatencySource) {
	c.exchangeMu.Lock()
	c.latency = src
	c.exchangeMu.Unlock()
}

func (c *Channel) State() transport.State {
	return c.mgr.State()
}

// Exchange performs one request/response round trip: the outbound record is
// sent, then exactly one pose is read. On success the cache is replaced and
// the outbound record is refreshed from the new pose and the side inputs. On
// failure the connection is dropped, reconnection is re-armed and an
// *ExchangeError is returned; nothing is retried.
func (c *Channel) Exchange(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	conn, ok := c.mgr.Conn()
	if !ok {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	sent := c.out
	protocol.PutClientPacket(c.sendBuf, sent)
	if _, err := conn.Write(c.sendBuf); err != nil {
		return c.fail(conn, "send", err)
	}
	if _, err := io.ReadFull(conn, c.recvBuf); err != nil {
		return c.fail(conn, "receive", err)
	}
	pose, err := protocol.DecodeServerPose(c.recvBuf)
	if err != nil {
		return c.fail(conn, "receive", err)
	}

	now := time.Now()
	seq := c.cache.Store(pose, now)
	c.out = protocol.ClientToServerPacket{
		SentTime:             pose.SentTime,
		CaptureLatency:       c.captureLatencyMS(),
		AdditionalOffsetTime: c.lookAhead.Load(),
	}
	c.exchanges.Add(1)
	c.errMu.Lock()
	c.lastErr = ""
	c.errMu.Unlock()

	if c.hub != nil {
		c.hub.TryPublish(protocol.PoseSample{
			Seq:      seq,
			Received: now,
			Pose:     pose,
			Request:  sent,
		})
	}
	return nil
}

// GetPose records lookAhead for the server's extrapolation, runs one
// exchange, and returns the cached pose whether or not the exchange worked.
func (c *Channel) GetPose(ctx context.Context, lookAhead time.Duration) (protocol.Vec3, protocol.Quat) {
	c.lookAhead.Store(int64(lookAhead))
	if err := c.Exchange(ctx); err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		c.log.Debug("link: serving cached pose", "error", err)
	}
	pose := c.cache.Load()
	return pose.Position(), pose.Rotation()
}

// Outbound returns the record the next exchange will send.
func (c *Channel) Outbound() protocol.ClientToServerPacket {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()
	return c.out
}

func (c *Channel) Cache() *PoseCache {
	return c.cache
}

// Close stops reconnection, closes the socket and waits for the dial job.
// The cached pose stays readable.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.mgr.Close()
}

// Status is a point-in-time view of link health.
type Status struct {
	State        transport.State
	Addr         string
	Exchanges    uint64
	Failures     uint64
	DialAttempts uint64
	Connects     uint64
	Disconnects  uint64
	LastError    string
	Pose         protocol.ServerPose
	PoseSeq      uint64
	PoseReceived time.Time
}

// PoseAge is how long the cached pose has been frozen. It is zero before the
// first pose arrives.
func (s Status) PoseAge(now time.Time) time.Duration {
	if s.PoseReceived.IsZero() {
		return 0
	}
	return now.Sub(s.PoseReceived)
}

func (c *Channel) Status() Status {
	ts := c.mgr.Stats()
	pose, received, seq := c.cache.Snapshot()

	// The transport keeps the newest dial or failure error until it
	// reconnects; the exchange error outlives that until an exchange works.
	lastErr := ts.LastError
	if lastErr == "" {
		c.errMu.Lock()
		lastErr = c.lastErr
		c.errMu.Unlock()
	}

	return Status{
		State:        ts.State,
		Addr:         ts.Addr,
		Exchanges:    c.exchanges.Load(),
		Failures:     c.failures.Load(),
		DialAttempts: ts.DialAttempts,
		Connects:     ts.Connects,
		Disconnects:  ts.Disconnects,
		LastError:    lastErr,
		Pose:         pose,
		PoseSeq:      seq,
		PoseReceived: received,
	}
}

func (c *Channel) fail(conn net.Conn, op string, err error) error {
	exErr := &ExchangeError{Op: op, Err: err}
	c.failures.Add(1)
	c.errMu.Lock()
	c.lastErr = exErr.Error()
	c.errMu.Unlock()

	c.log.Debug("link: exchange failed", "op", op, "timeout", exErr.Timeout(), "error", err)
	c.mgr.Fail(conn, exErr)
	return exErr
}

func (c *Channel) captureLatencyMS() int64 {
	if c.latency == nil {
		return 0
	}
	return c.latency.CaptureLatency().Milliseconds()
}
