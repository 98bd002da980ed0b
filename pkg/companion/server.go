package companion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"svlink/pkg/protocol"
)

// PoseSource produces the pose answering one client request.
type PoseSource interface {
	Pose(req protocol.ClientToServerPacket, now time.Time) protocol.ServerPose
}

// PoseFunc adapts a function to PoseSource.
type PoseFunc func(req protocol.ClientToServerPacket, now time.Time) protocol.ServerPose

func (f PoseFunc) Pose(req protocol.ClientToServerPacket, now time.Time) protocol.ServerPose {
	return f(req, now)
}

// Stats counts served traffic.
type Stats struct {
	Clients  uint64
	Requests uint64
	// EchoAge is how old the echoed sentTime was when the request arrived:
	// one round trip plus the client's wait until its next exchange.
	EchoAge   time.Duration
	Connected bool
}

// Server is the headset side of the link: it answers every request with
// exactly one pose and serves a single client at a time.
type Server struct {
	addr        string
	source      PoseSource
	idleTimeout time.Duration
	log         *slog.Logger
	clock       func() time.Time

	mu sync.Mutex
	ln net.Listener

	ready     chan struct{}
	clients   atomic.Uint64
	requests  atomic.Uint64
	echoAge   atomic.Int64
	connected atomic.Bool
}

type Option func(*Server)

// WithIdleTimeout drops a client that sends nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.clock = now
		}
	}
}

func NewServer(addr string, source PoseSource, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		source:      source,
		idleTimeout: 30 * time.Second,
		log:         slog.Default(),
		clock:       time.Now,
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run listens and serves clients one after another until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.ready)
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)
	s.log.Info("companion: listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.clients.Add(1)
		s.connected.Store(true)
		s.log.Info("companion: client connected", "remote", conn.RemoteAddr().String())
		err = s.serve(ctx, conn)
		s.connected.Store(false)
		_ = conn.Close()
		if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			s.log.Warn("companion: client dropped", "error", err)
		} else {
			s.log.Info("companion: client disconnected")
		}
	}
}

// Addr blocks until Run has tried to bind and returns the listen address,
// or "" if binding failed.
func (s *Server) Addr() string {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) serve(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	reqBuf := make([]byte, protocol.ClientPacketSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if _, err := io.ReadFull(conn, reqBuf); err != nil {
			return err
		}
		req, err := protocol.DecodeClientPacket(reqBuf)
		if err != nil {
			return err
		}

		now := s.clock()
		if req.SentTime != 0 {
			age := now.UnixNano() - req.SentTime
			s.echoAge.Store(age)
			s.log.Debug("companion: request", "echo_age", time.Duration(age),
				"look_ahead", time.Duration(req.AdditionalOffsetTime), "capture_latency_ms", req.CaptureLatency)
		}
		pose := s.source.Pose(req, now)
		if pose.SentTime == 0 {
			pose.SentTime = now.UnixNano()
		}
		s.requests.Add(1)
		if _, err := conn.Write(protocol.EncodeServerPose(pose)); err != nil {
			return err
		}
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Clients:   s.clients.Load(),
		Requests:  s.requests.Load(),
		EchoAge:   time.Duration(s.echoAge.Load()),
		Connected: s.connected.Load(),
	}
}
