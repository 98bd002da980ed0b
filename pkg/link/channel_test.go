package link_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"svlink/pkg/engine"
	"svlink/pkg/link"
	"svlink/pkg/protocol"
	"svlink/pkg/transport"
)

type peer struct {
	ln    net.Listener
	conns chan net.Conn
}

func startPeer(t *testing.T) *peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	p := &peer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *peer) addr() string {
	return p.ln.Addr().String()
}

func (p *peer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client connection")
		return nil
	}
}

func readRequest(t *testing.T, conn net.Conn) protocol.ClientToServerPacket {
	t.Helper()
	buf := make([]byte, protocol.ClientPacketSize)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Errorf("read request: %v", err)
		return protocol.ClientToServerPacket{}
	}
	pkt, err := protocol.DecodeClientPacket(buf)
	if err != nil {
		t.Errorf("decode request: %v", err)
	}
	return pkt
}

func writePose(t *testing.T, conn net.Conn, pose protocol.ServerPose) {
	t.Helper()
	if _, err := conn.Write(protocol.EncodeServerPose(pose)); err != nil {
		t.Errorf("write pose: %v", err)
	}
}

func waitState(t *testing.T, ch *link.Channel, want transport.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for ch.State() != want {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for state %v (have %v)", want, ch.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func openChannel(t *testing.T, addr string, opts ...link.Option) *link.Channel {
	t.Helper()
	opts = append([]link.Option{
		link.WithIOTimeout(time.Second),
		link.WithTransport(transport.WithReconnectInterval(5 * time.Millisecond)),
	}, opts...)
	ch := link.Open(addr, opts...)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestGetPoseReturnsServerPoseAndEchoesSentTime(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr())
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	requests := make(chan protocol.ClientToServerPacket, 2)
	go func() {
		requests <- readRequest(t, conn)
		writePose(t, conn, protocol.NewServerPose(protocol.Vec3{X: 1, Y: 2, Z: 3}, protocol.Quat{W: 1}, 1000))
		requests <- readRequest(t, conn)
		writePose(t, conn, protocol.NewServerPose(protocol.Vec3{X: 1, Y: 2, Z: 3}, protocol.Quat{W: 1}, 2000))
	}()

	lookAhead := 33 * time.Millisecond
	pos, rot := ch.GetPose(context.Background(), lookAhead)
	if pos != (protocol.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if rot != (protocol.Quat{X: 0, Y: 0, Z: 0, W: 1}) {
		t.Fatalf("unexpected rotation: %+v", rot)
	}

	out := ch.Outbound()
	if out.SentTime != 1000 {
		t.Fatalf("unexpected outbound sent time: %d", out.SentTime)
	}
	if out.AdditionalOffsetTime != int64(lookAhead) {
		t.Fatalf("unexpected outbound offset: %d", out.AdditionalOffsetTime)
	}

	first := <-requests
	if first != (protocol.ClientToServerPacket{}) {
		t.Fatalf("first request should be zero, got %+v", first)
	}

	_, _ = ch.GetPose(context.Background(), 0)
	second := <-requests
	if second.SentTime != 1000 {
		t.Fatalf("second request did not echo sent time: %+v", second)
	}
	if second.AdditionalOffsetTime != int64(lookAhead) {
		t.Fatalf("second request lost look-ahead: %+v", second)
	}
}

func TestSequentialExchangesCacheLatestResponse(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr())
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	const rounds = 20
	mismatch := make(chan string, rounds)
	go func() {
		var prev int64
		for i := 1; i <= rounds; i++ {
			req := readRequest(t, conn)
			if req.SentTime != prev {
				mismatch <- "request did not echo previous sent time"
			}
			writePose(t, conn, protocol.NewServerPose(protocol.Vec3{X: float32(i)}, protocol.IdentityQuat, int64(i)))
			prev = int64(i)
		}
		close(mismatch)
	}()

	for i := 1; i <= rounds; i++ {
		if err := ch.Exchange(context.Background()); err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		got := ch.Cache().Load()
		if got.PosX != float32(i) || got.SentTime != int64(i) {
			t.Fatalf("exchange %d cached %+v", i, got)
		}
	}
	for msg := range mismatch {
		t.Fatalf("%s", msg)
	}

	status := ch.Status()
	if status.Exchanges != rounds || status.PoseSeq != rounds {
		t.Fatalf("unexpected counters: %+v", status)
	}
}

func TestDroppedConnectionServesCachedPose(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr())
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	go func() {
		readRequest(t, conn)
		writePose(t, conn, protocol.NewServerPose(protocol.Vec3{X: 4, Y: 5, Z: 6}, protocol.IdentityQuat, 7))
		readRequest(t, conn)
		_ = conn.Close()
	}()

	if err := ch.Exchange(context.Background()); err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	done := make(chan struct{})
	var pos protocol.Vec3
	go func() {
		pos, _ = ch.GetPose(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("GetPose blocked after the peer dropped")
	}
	if pos != (protocol.Vec3{X: 4, Y: 5, Z: 6}) {
		t.Fatalf("expected cached position, got %+v", pos)
	}

	status := ch.Status()
	if status.Disconnects != 1 || status.Failures != 1 {
		t.Fatalf("unexpected failure counters: %+v", status)
	}
	if status.State == transport.Connected && status.Connects < 2 {
		t.Fatalf("connected without a new dial: %+v", status)
	}

	p.accept(t)
	waitState(t, ch, transport.Connected)
	if got := ch.Status().Connects; got != 2 {
		t.Fatalf("unexpected connects after reconnect: %d", got)
	}
}

func TestExchangeTimesOutOnSilentPeer(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr(), link.WithIOTimeout(50*time.Millisecond))
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	go readRequest(t, conn)

	start := time.Now()
	err := ch.Exchange(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("exchange blocked for %v", elapsed)
	}
	var exErr *link.ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exErr.Op != "receive" || !exErr.Timeout() {
		t.Fatalf("expected receive timeout, got op=%s timeout=%v", exErr.Op, exErr.Timeout())
	}
}

func TestExchangeWithoutConnection(t *testing.T) {
	ch := link.New()
	defer ch.Close()

	if err := ch.Exchange(context.Background()); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	pos, rot := ch.GetPose(context.Background(), time.Millisecond)
	if pos != (protocol.Vec3{}) || rot != protocol.IdentityQuat {
		t.Fatalf("unexpected initial pose: %+v %+v", pos, rot)
	}
	if ch.State() != transport.Disconnected {
		t.Fatalf("unexpected state: %v", ch.State())
	}
}

func TestCloseUnblocksPendingExchange(t *testing.T) {
	p := startPeer(t)
	ch := link.Open(p.addr(), link.WithIOTimeout(time.Minute))
	conn := p.accept(t)
	defer conn.Close()
	waitState(t, ch, transport.Connected)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Exchange(context.Background())
	}()
	readRequest(t, conn)

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected pending exchange to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not unblock pending exchange")
	}

	if err := ch.Exchange(context.Background()); !errors.Is(err, link.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ch.SetServerAddress(p.addr()); !errors.Is(err, link.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if ch.State() != transport.Disconnected {
		t.Fatalf("unexpected state after close: %v", ch.State())
	}
}

func TestContextCancelUnblocksExchange(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr(), link.WithIOTimeout(time.Minute))
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)
	go readRequest(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	if err := ch.Exchange(ctx); err == nil {
		t.Fatalf("expected canceled exchange to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
}

func TestCaptureLatencyAndHubPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := engine.NewHub()
	go hub.Run(ctx)
	sub := hub.Subscribe()

	p := startPeer(t)
	ch := openChannel(t, p.addr(),
		link.WithHub(hub),
		link.WithLatencySource(link.LatencyFunc(func() time.Duration { return 42 * time.Millisecond })),
	)
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	want := protocol.NewServerPose(protocol.Vec3{X: 0.5}, protocol.Quat{Y: 1}, 99)
	go func() {
		readRequest(t, conn)
		writePose(t, conn, want)
	}()

	if err := ch.Exchange(context.Background()); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got := ch.Outbound().CaptureLatency; got != 42 {
		t.Fatalf("unexpected capture latency: %d", got)
	}

	select {
	case sample := <-sub:
		if sample.Pose != want {
			t.Fatalf("unexpected published pose: %+v", sample.Pose)
		}
		if sample.Seq != 1 || sample.Received.IsZero() {
			t.Fatalf("unexpected sample metadata: %+v", sample)
		}
		if sample.Request != (protocol.ClientToServerPacket{}) {
			t.Fatalf("unexpected request in sample: %+v", sample.Request)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sample published")
	}
}

func TestSetLatencySourceAppliesToNextRecord(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr())
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	go func() {
		for i := 0; i < 2; i++ {
			readRequest(t, conn)
			writePose(t, conn, protocol.NewServerPose(protocol.Vec3{}, protocol.IdentityQuat, int64(i+1)))
		}
	}()

	if err := ch.Exchange(context.Background()); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if got := ch.Outbound().CaptureLatency; got != 0 {
		t.Fatalf("latency without a source: %d", got)
	}

	ch.SetLatencySource(link.LatencyFunc(func() time.Duration { return 30 * time.Millisecond }))
	if err := ch.Exchange(context.Background()); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	if got := ch.Outbound().CaptureLatency; got != 30 {
		t.Fatalf("unexpected capture latency after swap: %d", got)
	}
}

func TestLastErrorClearedAfterRecovery(t *testing.T) {
	p := startPeer(t)
	ch := openChannel(t, p.addr())
	conn := p.accept(t)
	waitState(t, ch, transport.Connected)

	go func() {
		readRequest(t, conn)
		_ = conn.Close()
	}()
	if err := ch.Exchange(context.Background()); err == nil {
		t.Fatalf("expected exchange failure")
	}
	if ch.Status().LastError == "" {
		t.Fatalf("failure not reported in status")
	}

	next := p.accept(t)
	waitState(t, ch, transport.Connected)
	go func() {
		readRequest(t, next)
		writePose(t, next, protocol.NewServerPose(protocol.Vec3{X: 1}, protocol.IdentityQuat, 1))
	}()
	if err := ch.Exchange(context.Background()); err != nil {
		t.Fatalf("exchange after reconnect: %v", err)
	}
	if got := ch.Status().LastError; got != "" {
		t.Fatalf("stale error after recovery: %q", got)
	}
}
