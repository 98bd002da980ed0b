package emitter_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"svlink/pkg/emitter"
	"svlink/pkg/link"
	"svlink/pkg/protocol"
	"svlink/pkg/transport"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakeBroker) publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, qos, retained, payload})
	return nil
}

func (f *fakeBroker) snapshot() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func TestPublishStatusIsRetained(t *testing.T) {
	broker := &fakeBroker{}
	e := emitter.NewMQTTEmitter(emitter.Config{TopicPrefix: "/lab/", Session: "s1"},
		emitter.WithPublishFunc(broker.publish))

	now := time.Unix(100, 0)
	st := link.Status{
		State:        transport.Connected,
		Addr:         "127.0.0.1:11000",
		Exchanges:    12,
		PoseSeq:      12,
		PoseReceived: now.Add(-40 * time.Millisecond),
	}
	if err := e.PublishStatus(st, now); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	msgs := broker.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if msgs[0].topic != "lab/status" || !msgs[0].retained || msgs[0].qos != 1 {
		t.Fatalf("unexpected status message: %+v", msgs[0])
	}
	var payload emitter.StatusPayload
	if err := json.Unmarshal(msgs[0].payload, &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.State != "connected" || payload.Exchanges != 12 || payload.Session != "s1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.PoseAgeMS != 40 {
		t.Fatalf("unexpected pose age: %v", payload.PoseAgeMS)
	}
}

func TestPublishPoseRateLimited(t *testing.T) {
	broker := &fakeBroker{}
	e := emitter.NewMQTTEmitter(emitter.Config{PoseRateHz: 10}, emitter.WithPublishFunc(broker.publish))

	start := time.Unix(200, 0)
	sample := protocol.PoseSample{Seq: 1, Received: start, Pose: protocol.NewServerPose(protocol.Vec3{X: 1}, protocol.IdentityQuat, 5)}
	for i := 0; i < 10; i++ {
		if err := e.PublishPose(sample, start.Add(time.Duration(i)*20*time.Millisecond)); err != nil {
			t.Fatalf("publish pose: %v", err)
		}
	}
	// Only the samples at 0ms and 100ms pass.
	msgs := broker.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 poses through the limiter, got %d", len(msgs))
	}
	if msgs[0].topic != "svlink/pose" || msgs[0].retained {
		t.Fatalf("unexpected pose message: %+v", msgs[0])
	}
	var payload emitter.PosePayload
	if err := json.Unmarshal(msgs[0].payload, &payload); err != nil {
		t.Fatalf("decode pose: %v", err)
	}
	if payload.Position[0] != 1 || payload.Rotation[3] != 1 || payload.SentTime != 5 {
		t.Fatalf("unexpected pose payload: %+v", payload)
	}
	if got := e.Stats().Skipped; got != 8 {
		t.Fatalf("unexpected skipped count: %d", got)
	}
}

func TestPoseDisabledAtZeroRate(t *testing.T) {
	broker := &fakeBroker{}
	e := emitter.NewMQTTEmitter(emitter.Config{}, emitter.WithPublishFunc(broker.publish))
	_ = e.PublishPose(protocol.PoseSample{}, time.Now())
	if len(broker.snapshot()) != 0 {
		t.Fatalf("pose published with zero rate")
	}
}

func TestPublishErrorsCounted(t *testing.T) {
	broker := &fakeBroker{err: errors.New("broker down")}
	e := emitter.NewMQTTEmitter(emitter.Config{}, emitter.WithPublishFunc(broker.publish))
	if err := e.PublishStatus(link.Status{}, time.Now()); err == nil {
		t.Fatalf("expected publish error")
	}
	if got := e.Stats().Errors; got != 1 {
		t.Fatalf("unexpected error count: %d", got)
	}
}

func TestDefaultPublishRequiresConnection(t *testing.T) {
	e := emitter.NewMQTTEmitter(emitter.Config{Broker: "127.0.0.1:1"})
	if err := e.PublishStatus(link.Status{}, time.Now()); !errors.Is(err, emitter.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

type statusFunc func() link.Status

func (f statusFunc) Status() link.Status { return f() }

func TestWatchStatusPublishesOnStateChange(t *testing.T) {
	broker := &fakeBroker{}
	e := emitter.NewMQTTEmitter(emitter.Config{}, emitter.WithPublishFunc(broker.publish))

	var mu sync.Mutex
	state := transport.Connecting
	src := statusFunc(func() link.Status {
		mu.Lock()
		defer mu.Unlock()
		return link.Status{State: state}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.WatchStatus(ctx, src, 2*time.Millisecond, time.Hour)
		close(done)
	}()

	waitMessages(t, broker, 1)
	mu.Lock()
	state = transport.Connected
	mu.Unlock()
	waitMessages(t, broker, 2)

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	msgs := broker.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected publishes only on change, got %d", len(msgs))
	}
	var last emitter.StatusPayload
	if err := json.Unmarshal(msgs[1].payload, &last); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if last.State != "connected" {
		t.Fatalf("unexpected last state: %s", last.State)
	}
}

func waitMessages(t *testing.T, broker *fakeBroker, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(broker.snapshot()) < n {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d messages", n)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestFailedConnectStopsRetrying(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	// Not a broker: every CONNECT attempt is answered with a closed socket.
	var attempts atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			attempts.Add(1)
			_ = conn.Close()
		}
	}()

	e := emitter.NewMQTTEmitter(emitter.Config{
		Broker:         ln.Addr().String(),
		ConnectTimeout: 150 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
	})
	if err := e.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect to fail")
	}
	if attempts.Load() == 0 {
		t.Fatalf("client never dialed the broker")
	}
	if e.Stats().Connected {
		t.Fatalf("emitter reports connected after failure")
	}

	time.Sleep(100 * time.Millisecond)
	settled := attempts.Load()
	time.Sleep(300 * time.Millisecond)
	if got := attempts.Load(); got != settled {
		t.Fatalf("client kept retrying after Connect gave up: %d -> %d attempts", settled, got)
	}
}
