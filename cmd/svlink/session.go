package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"svlink/pkg/bridge/foxglove"
	"svlink/pkg/config"
	"svlink/pkg/emitter"
	"svlink/pkg/engine"
	"svlink/pkg/link"
	"svlink/pkg/logger"
	"svlink/pkg/render"
	"svlink/pkg/transport"
)

// clientFlags override config file values for client and monitor.
type clientFlags struct {
	commonFlags
	addr       string
	record     string
	format     string
	foxglove   bool
	wsAddr     string
	mqtt       string
	tickHz     int
	lookAhead  time.Duration
	frameDelay time.Duration
	duration   time.Duration
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	c.commonFlags.register(fs)
	fs.StringVar(&c.addr, "addr", "", "pose server address")
	fs.StringVar(&c.record, "record", "", "record received poses to this file")
	fs.StringVar(&c.format, "format", "", "record format: jsonl|msgpack")
	fs.BoolVar(&c.foxglove, "foxglove", false, "serve the foxglove websocket bridge")
	fs.StringVar(&c.wsAddr, "ws-addr", "", "foxglove websocket address")
	fs.StringVar(&c.mqtt, "mqtt", "", "MQTT broker host:port")
	fs.IntVar(&c.tickHz, "tick-hz", 0, "render tick rate")
	fs.DurationVar(&c.lookAhead, "look-ahead", 0, "prediction offset sent with each request")
	fs.DurationVar(&c.frameDelay, "frame-delay", 0, "simulated capture pipeline delay")
	fs.DurationVar(&c.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
}

func (c *clientFlags) apply(cfg *config.Config, set map[string]bool) error {
	if set["addr"] {
		cfg.Link.Addr = c.addr
	}
	if set["record"] {
		cfg.Record.Path = c.record
	}
	if set["format"] {
		cfg.Record.Format = c.format
	}
	if set["foxglove"] {
		cfg.Foxglove.Enabled = c.foxglove
	}
	if set["ws-addr"] {
		cfg.Foxglove.WSAddr = c.wsAddr
	}
	if set["mqtt"] {
		cfg.MQTT.Broker = c.mqtt
	}
	if set["tick-hz"] {
		cfg.Render.TickHz = c.tickHz
	}
	if set["look-ahead"] {
		cfg.Link.LookAhead = c.lookAhead.String()
	}
	return cfg.Validate()
}

// session wires one link channel to the render loop and every consumer of
// received poses.
type session struct {
	id     string
	cfg    config.Config
	log    *slog.Logger
	hub    *engine.Hub
	link   *link.Channel
	bridge *render.Bridge
	comp   *simCompositor
	fox    *foxglove.Server
	mqtt   *emitter.MQTTEmitter

	closers []func()
}

func startSession(ctx context.Context, cfg config.Config, flags clientFlags, log *slog.Logger) (*session, error) {
	s := &session{
		id:  uuid.NewString(),
		cfg: cfg,
		log: log,
	}
	s.log = log.With("session", s.id)

	s.hub = engine.NewHub()
	go s.hub.Run(ctx)

	s.bridge = render.NewBridge(render.WithLogger(s.log))
	s.comp = newSimCompositor(flags.frameDelay, s.log)
	s.bridge.Attach(s.comp)
	s.closers = append(s.closers, s.bridge.Detach)

	if cfg.Foxglove.Enabled {
		s.fox = foxglove.NewServer(foxglove.Config{
			WSAddr:        cfg.Foxglove.WSAddr,
			ParentFrameID: cfg.Foxglove.ParentFrame,
			FrameID:       cfg.Foxglove.FrameID,
		}, s.hub)
		go func() {
			if err := s.fox.Run(ctx); err != nil {
				s.log.Error("foxglove bridge stopped", "error", err)
			}
		}()
	}

	s.link = link.Open(cfg.Link.Addr,
		link.WithIOTimeout(cfg.IOTimeout()),
		link.WithHub(s.hub),
		link.WithLatencySource(s.bridge),
		link.WithLogger(s.log),
		link.WithTransport(
			transport.WithReconnectInterval(cfg.ReconnectInterval()),
			transport.WithDialTimeout(cfg.DialTimeout()),
			transport.WithStateHandler(s.onLinkState),
		),
	)
	s.closers = append(s.closers, func() { _ = s.link.Close() })

	if cfg.Record.Path != "" {
		if err := s.startRecorder(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.MQTT.Broker != "" {
		s.mqtt = emitter.NewMQTTEmitter(emitter.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-" + s.id[:8],
			TopicPrefix: cfg.MQTT.TopicPrefix,
			PoseRateHz:  cfg.MQTT.PoseRateHz,
			Session:     s.id,
		}, emitter.WithLogger(s.log))
		if err := s.mqtt.Connect(ctx); err != nil {
			// The link keeps running without the broker.
			s.log.Warn("mqtt unavailable", "broker", cfg.MQTT.Broker, "error", err)
			s.mqtt = nil
		} else {
			go s.mqtt.Consume(ctx, s.hub.Subscribe())
			go s.mqtt.WatchStatus(ctx, s.link, 100*time.Millisecond, 5*time.Second)
			s.closers = append(s.closers, func() { _ = s.mqtt.Disconnect() })
		}
	}

	s.log.Info("session started",
		"addr", cfg.Link.Addr,
		"tick_hz", cfg.Render.TickHz,
		"io_timeout", cfg.IOTimeout(),
		"look_ahead", cfg.LookAhead(),
	)
	return s, nil
}

func (s *session) startRecorder(ctx context.Context) error {
	file, err := os.Create(s.cfg.Record.Path)
	if err != nil {
		return fmt.Errorf("open record file: %w", err)
	}
	rec, err := logger.NewRecorder(s.cfg.Record.Format, file, s.id)
	if err != nil {
		_ = file.Close()
		return err
	}

	done := make(chan struct{})
	sub := s.hub.Subscribe()
	go func() {
		defer close(done)
		rec.Consume(ctx, sub)
	}()
	s.closers = append(s.closers, func() {
		<-done
		_ = file.Close()
	})
	s.log.Info("recording poses", "path", s.cfg.Record.Path, "format", s.cfg.Record.Format)
	return nil
}

func (s *session) onLinkState(st transport.State) {
	s.log.Info("link state", "state", st.String())
	if s.fox == nil {
		return
	}
	level := foxglove.LogLevelInfo
	if st == transport.Disconnected {
		level = foxglove.LogLevelWarning
	}
	s.fox.PublishStatus(level, "link "+st.String(), time.Now())
}

// renderLoop runs one capture tick and one pose exchange per frame.
func (s *session) renderLoop(ctx context.Context) {
	lookAhead := s.cfg.LookAhead()
	render.RunTicker(ctx, s.cfg.Render.TickHz, func(now time.Time) {
		s.bridge.Tick(now)
		s.link.GetPose(ctx, lookAhead)
	})
}

// reportLoop logs link health at a fixed interval.
func (s *session) reportLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st := s.link.Status()
			s.log.Info("link status",
				"state", st.State.String(),
				"exchanges", st.Exchanges,
				"failures", st.Failures,
				"disconnects", st.Disconnects,
				"pose_seq", st.PoseSeq,
				"pose_age", st.PoseAge(now).Round(time.Millisecond),
				"dropped", s.hub.Dropped(),
			)
		}
	}
}

// Close tears down in reverse start order. Recorders drain once ctx is done.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
