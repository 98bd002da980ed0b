package foxglove

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"svlink/pkg/engine"
	"svlink/pkg/logger"
	"svlink/pkg/protocol"
)

const (
	markerTypeCube   = 1
	markerActionAdd  = 0
	markerNamespace  = "svlink.headset"
	shutdownDeadline = 5 * time.Second
)

type MarkerMessage struct {
	Header MarkerHeader `json:"header"`
	NS     string       `json:"ns"`
	ID     int32        `json:"id"`
	Type   int32        `json:"type"`
	Action int32        `json:"action"`
	Pose   MarkerPose   `json:"pose"`
	Scale  Vector3      `json:"scale"`
	Color  ColorRGBA    `json:"color"`
}

type MarkerHeader struct {
	FrameID string      `json:"frame_id"`
	Stamp   MarkerStamp `json:"stamp"`
}

type MarkerStamp struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

type MarkerPose struct {
	Position    Vector3     `json:"position"`
	Orientation Quaternion3 `json:"orientation"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type ColorRGBA struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

type FrameTransformMessage struct {
	Timestamp     FrameTime   `json:"timestamp"`
	ParentFrameID string      `json:"parent_frame_id"`
	ChildFrameID  string      `json:"child_frame_id"`
	Translation   Vector3     `json:"translation"`
	Rotation      Quaternion3 `json:"rotation"`
}

type FrameTransformsMessage struct {
	Transforms []FrameTransformMessage `json:"transforms"`
}

type FrameTime struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

type LogMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	Level     uint8     `json:"level"`
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	File      string    `json:"file"`
	Line      uint32    `json:"line"`
}

// Server streams received poses to Foxglove Studio over the foxglove
// websocket protocol: the raw record, a headset cube marker, the
// parent->headset transform and link status log lines.
type Server struct {
	cfg       Config
	hub       *engine.Hub
	sessionID string
	log       *slog.Logger

	clients map[*client]struct{}
	mu      sync.RWMutex

	ready chan struct{}
	addr  string
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

// NewServer builds a bridge fed by hub. A nil hub serves status lines only.
func NewServer(cfg Config, hub *engine.Hub) *Server {
	return &Server{
		cfg:       cfg.withDefaults(),
		hub:       hub,
		sessionID: uuid.NewString(),
		log:       slog.Default().With("component", "foxglove"),
		clients:   make(map[*client]struct{}),
		ready:     make(chan struct{}),
	}
}

func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		close(s.ready)
		return err
	}
	s.addr = ln.Addr().String()
	close(s.ready)
	s.log.Info("foxglove: listening", "addr", s.addr, "session", s.sessionID)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	httpServer := &http.Server{Handler: mux}

	if s.hub != nil {
		sub := s.hub.Subscribe()
		go s.broadcastLoop(ctx, sub)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr blocks until Run has bound and returns the listen address, or "" if
// binding failed.
func (s *Server) Addr() string {
	<-s.ready
	return s.addr
}

func (s *Server) SessionID() string { return s.sessionID }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{SubprotocolV1},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	defer s.removeClient(c)
	defer c.close()

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		return
	}

	go c.writeLoop()
	c.readLoop(s.supportedChannels())
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		PoseChannelID:      {},
		MarkerChannelID:    {},
		TransformChannelID: {},
		LogChannelID:       {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          s.sessionID,
	}
}

func (s *Server) advertise() AdvertiseMsg {
	channel := func(id uint64, topic, schemaName, schema string) Channel {
		return Channel{
			ID:             id,
			Topic:          topic,
			Encoding:       "json",
			SchemaName:     schemaName,
			SchemaEncoding: "jsonschema",
			Schema:         schema,
		}
	}
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		channel(PoseChannelID, s.cfg.PoseTopic(), "svlink.Pose", poseSchema),
		channel(MarkerChannelID, s.cfg.MarkerTopic(), "visualization_msgs/Marker", markerSchema),
		channel(TransformChannelID, s.cfg.TransformTopic(), "foxglove.FrameTransforms", transformsSchema),
		channel(LogChannelID, s.cfg.LogTopic(), "foxglove.Log", logSchema),
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.PoseSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastSample(sample)
		}
	}
}

func (s *Server) broadcastSample(sample protocol.PoseSample) {
	ts := sample.Received
	if ts.IsZero() {
		ts = time.Now()
	}
	s.publishJSONToChannel(PoseChannelID, ts, poseRecord(sample))
	s.publishJSONToChannel(MarkerChannelID, ts, s.markerFromSample(sample, ts))
	s.publishJSONToChannel(TransformChannelID, ts, s.transformFromSample(sample, ts))
}

// PublishStatus sends one line to the status log panel.
func (s *Server) PublishStatus(level uint8, message string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	s.publishJSONToChannel(LogChannelID, ts, LogMessage{
		Timestamp: frameTime(ts),
		Level:     level,
		Message:   message,
		Name:      s.cfg.LogName,
	})
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.log.Warn("foxglove: encode message failed", "channel", channelID, "error", err)
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

type poseMessage struct {
	logger.Record
	CaptureLatencyMS   int64 `json:"capture_latency_ms"`
	AdditionalOffsetNS int64 `json:"additional_offset_ns"`
}

func poseRecord(sample protocol.PoseSample) poseMessage {
	rec := logger.NewRecord("", sample)
	return poseMessage{
		Record:             rec,
		CaptureLatencyMS:   sample.Request.CaptureLatency,
		AdditionalOffsetNS: sample.Request.AdditionalOffsetTime,
	}
}

func (s *Server) markerFromSample(sample protocol.PoseSample, ts time.Time) MarkerMessage {
	scale := s.cfg.MarkerScale
	return MarkerMessage{
		Header: MarkerHeader{
			FrameID: s.cfg.ParentFrameID,
			Stamp: MarkerStamp{
				Sec:  ts.Unix(),
				Nsec: int64(ts.Nanosecond()),
			},
		},
		NS:     markerNamespace,
		ID:     1,
		Type:   markerTypeCube,
		Action: markerActionAdd,
		Pose: MarkerPose{
			Position:    vector(sample.Pose.Position()),
			Orientation: quaternion(sample.Pose.Rotation()),
		},
		Scale: Vector3{X: scale, Y: scale, Z: scale},
		Color: ColorRGBA{R: 1, G: 1, B: 1, A: 1},
	}
}

func (s *Server) transformFromSample(sample protocol.PoseSample, ts time.Time) FrameTransformsMessage {
	return FrameTransformsMessage{Transforms: []FrameTransformMessage{{
		Timestamp:     frameTime(ts),
		ParentFrameID: s.cfg.ParentFrameID,
		ChildFrameID:  s.cfg.FrameID,
		Translation:   vector(sample.Pose.Position()),
		Rotation:      quaternion(sample.Pose.Rotation()),
	}}}
}

func frameTime(ts time.Time) FrameTime {
	return FrameTime{Sec: uint32(ts.Unix()), Nsec: uint32(ts.Nanosecond())}
}

func vector(v protocol.Vec3) Vector3 {
	return Vector3{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
}

func quaternion(q protocol.Quat) Quaternion3 {
	return Quaternion3{X: float64(q.X), Y: float64(q.Y), Z: float64(q.Z), W: float64(q.W)}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

// Clients reports how many websocket sessions are open.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

// trySend drops the frame when the client is behind; a send racing close
// is recovered.
func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
