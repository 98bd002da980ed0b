package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"svlink/pkg/link"
	"svlink/pkg/protocol"
)

var ErrNotConnected = errors.New("mqtt not connected")

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// PoseRateHz caps pose messages; zero disables pose publishing.
	PoseRateHz float64
	Session    string
	// ConnectTimeout bounds Connect; RetryInterval spaces connect attempts.
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// PublishFunc sends one message. The default goes through the paho client.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// MQTTEmitter publishes link health and a rate-limited pose stream.
// Status is retained so late subscribers see the last known link state.
type MQTTEmitter struct {
	cfg     Config
	Client  mqtt.Client
	publish PublishFunc
	limiter *rate.Limiter // nil when pose publishing is off
	log     *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	skipped   uint64
	connected bool
}

type Option func(*MQTTEmitter)

// WithPublishFunc bypasses the broker client.
func WithPublishFunc(fn PublishFunc) Option {
	return func(e *MQTTEmitter) {
		if fn != nil {
			e.publish = fn
			e.connected = true
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *MQTTEmitter) {
		if l != nil {
			e.log = l
		}
	}
}

func NewMQTTEmitter(cfg Config, opts ...Option) *MQTTEmitter {
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "svlink"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "svlink"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	e := &MQTTEmitter{
		cfg:       cfg,
		log:       slog.Default(),
		published: make(map[string]uint64),
	}
	if cfg.PoseRateHz > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.PoseRateHz), 1)
	}
	e.publish = e.clientPublish
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *MQTTEmitter) StatusTopic() string { return e.cfg.TopicPrefix + "/status" }
func (e *MQTTEmitter) PoseTopic() string   { return e.cfg.TopicPrefix + "/pose" }

// Connect establishes the broker session. The broker publishes an offline
// status on our behalf if the session drops.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(e.cfg.RetryInterval)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if will, err := json.Marshal(offlinePayload(e.cfg.Session)); err == nil {
		opts.SetBinaryWill(e.StatusTopic(), will, 1, true)
	}

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.Client = mqtt.NewClient(opts)
	e.log.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.abandon()
		return ctx.Err()
	case <-time.After(e.cfg.ConnectTimeout):
		e.abandon()
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		e.abandon()
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// PublishStatus sends the retained link health record.
func (e *MQTTEmitter) PublishStatus(st link.Status, now time.Time) error {
	payload, err := json.Marshal(NewStatusPayload(e.cfg.Session, st, now))
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal status: %w", err)
	}
	return e.send(e.StatusTopic(), 1, true, payload)
}

// PublishPose sends sample unless the rate limit says to skip it. Skipped
// samples return nil.
func (e *MQTTEmitter) PublishPose(sample protocol.PoseSample, now time.Time) error {
	if e.limiter == nil || !e.limiter.AllowN(now, 1) {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		return nil
	}
	payload, err := json.Marshal(NewPosePayload(sample))
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal pose: %w", err)
	}
	return e.send(e.PoseTopic(), 0, false, payload)
}

// Consume forwards hub samples until in closes or ctx is done.
func (e *MQTTEmitter) Consume(ctx context.Context, in <-chan protocol.PoseSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-in:
			if !ok {
				return
			}
			if err := e.PublishPose(sample, time.Now()); err != nil {
				e.log.Debug("mqtt pose publish failed", "error", err)
			}
		}
	}
}

func (e *MQTTEmitter) send(topic string, qos byte, retained bool, payload []byte) error {
	if err := e.publish(topic, qos, retained, payload); err != nil {
		e.countError()
		return err
	}
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

func (e *MQTTEmitter) clientPublish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() || e.Client == nil {
		return ErrNotConnected
	}
	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Disconnect marks the session offline and closes the connection. It also
// stops a client that is still retrying or auto-reconnecting.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client == nil {
		e.setConnected(false)
		return nil
	}
	if e.Client.IsConnected() {
		if payload, err := json.Marshal(offlinePayload(e.cfg.Session)); err == nil {
			_ = e.send(e.StatusTopic(), 1, true, payload)
		}
	}
	e.Client.Disconnect(250)
	e.setConnected(false)
	e.log.Info("mqtt disconnected")
	return nil
}

// abandon stops the background connect retry after a failed Connect.
func (e *MQTTEmitter) abandon() {
	e.Client.Disconnect(0)
	e.setConnected(false)
}

type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Skipped   uint64
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Skipped:   e.skipped,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
