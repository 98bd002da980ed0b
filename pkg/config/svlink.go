package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const DefaultConfigPath = "svlink.toml"

type Config struct {
	Link      LinkConfig      `toml:"link"`
	Render    RenderConfig    `toml:"render"`
	Record    RecordConfig    `toml:"record"`
	Foxglove  FoxgloveConfig  `toml:"foxglove"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Companion CompanionConfig `toml:"companion"`

	configPath string `toml:"-"`
}

type LinkConfig struct {
	Addr        string `toml:"addr"`
	Reconnect   string `toml:"reconnect"`
	DialTimeout string `toml:"dial_timeout"`
	// IOTimeout empty means one render frame. It must exceed the round trip
	// to the headset or every exchange fails and the link keeps redialing.
	IOTimeout string `toml:"io_timeout"`
	LookAhead string `toml:"look_ahead"`
}

type RenderConfig struct {
	TickHz int `toml:"tick_hz"`
}

type RecordConfig struct {
	Path   string `toml:"path"`
	Format string `toml:"format"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled"`
	WSAddr      string `toml:"ws_addr"`
	ParentFrame string `toml:"parent_frame"`
	FrameID     string `toml:"frame_id"`
}

type MQTTConfig struct {
	Broker      string  `toml:"broker"`
	ClientID    string  `toml:"client_id"`
	TopicPrefix string  `toml:"topic_prefix"`
	PoseRateHz  float64 `toml:"pose_rate_hz"`
}

type CompanionConfig struct {
	Listen string  `toml:"listen"`
	Radius float64 `toml:"radius"`
	Period string  `toml:"period"`
}

func Default() Config {
	return Config{
		Link: LinkConfig{
			Addr:        "127.0.0.1:11000",
			Reconnect:   "100ms",
			DialTimeout: "1s",
			LookAhead:   "0s",
		},
		Render: RenderConfig{TickHz: 60},
		Record: RecordConfig{Format: "jsonl"},
		Foxglove: FoxgloveConfig{
			WSAddr:      "127.0.0.1:8765",
			ParentFrame: "world",
			FrameID:     "hmd",
		},
		MQTT: MQTTConfig{
			ClientID:    "svlink",
			TopicPrefix: "svlink",
			PoseRateHz:  5,
		},
		Companion: CompanionConfig{
			Listen: "0.0.0.0:11000",
			Radius: 0.5,
			Period: "8s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path, filling unset keys with defaults. A missing file
// yields the defaults and exists=false.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	if cfg.Render.TickHz <= 0 {
		return fmt.Errorf("render.tick_hz must be positive: %d", cfg.Render.TickHz)
	}
	switch cfg.Record.Format {
	case "jsonl", "msgpack":
	default:
		return fmt.Errorf("record.format must be jsonl or msgpack: %q", cfg.Record.Format)
	}
	if cfg.MQTT.PoseRateHz < 0 {
		return fmt.Errorf("mqtt.pose_rate_hz must not be negative: %v", cfg.MQTT.PoseRateHz)
	}
	if cfg.Companion.Radius < 0 {
		return fmt.Errorf("companion.radius must not be negative: %v", cfg.Companion.Radius)
	}

	durations := []struct {
		key   string
		value string
	}{
		{"link.reconnect", cfg.Link.Reconnect},
		{"link.dial_timeout", cfg.Link.DialTimeout},
		{"link.io_timeout", cfg.Link.IOTimeout},
		{"link.look_ahead", cfg.Link.LookAhead},
		{"companion.period", cfg.Companion.Period},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	return nil
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Link.Addr = strings.TrimSpace(cfg.Link.Addr)
	if cfg.Link.Addr == "" {
		cfg.Link.Addr = def.Link.Addr
	}
	if cfg.Link.Reconnect == "" {
		cfg.Link.Reconnect = def.Link.Reconnect
	}
	if cfg.Link.DialTimeout == "" {
		cfg.Link.DialTimeout = def.Link.DialTimeout
	}
	if cfg.Link.LookAhead == "" {
		cfg.Link.LookAhead = def.Link.LookAhead
	}

	if cfg.Render.TickHz == 0 {
		cfg.Render.TickHz = def.Render.TickHz
	}
	cfg.Record.Format = strings.ToLower(strings.TrimSpace(cfg.Record.Format))
	if cfg.Record.Format == "" {
		cfg.Record.Format = def.Record.Format
	}

	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.ParentFrame == "" {
		cfg.Foxglove.ParentFrame = def.Foxglove.ParentFrame
	}
	if cfg.Foxglove.FrameID == "" {
		cfg.Foxglove.FrameID = def.Foxglove.FrameID
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = def.MQTT.ClientID
	}
	cfg.MQTT.TopicPrefix = strings.Trim(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}

	if cfg.Companion.Listen == "" {
		cfg.Companion.Listen = def.Companion.Listen
	}
	if cfg.Companion.Period == "" {
		cfg.Companion.Period = def.Companion.Period
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	if cfg.Record.Path != "" && !filepath.IsAbs(cfg.Record.Path) {
		cfg.Record.Path = filepath.Join(filepath.Dir(path), cfg.Record.Path)
	}
}

// ReconnectInterval is the fixed wait between connect attempts.
func (cfg *Config) ReconnectInterval() time.Duration {
	return parseDuration(cfg.Link.Reconnect, 100*time.Millisecond)
}

func (cfg *Config) DialTimeout() time.Duration {
	return parseDuration(cfg.Link.DialTimeout, time.Second)
}

// IOTimeout bounds one send+receive. Unset means one render frame.
func (cfg *Config) IOTimeout() time.Duration {
	frame := time.Second / time.Duration(max(cfg.Render.TickHz, 1))
	return parseDuration(cfg.Link.IOTimeout, frame)
}

func (cfg *Config) LookAhead() time.Duration {
	return parseDuration(cfg.Link.LookAhead, 0)
}

func (cfg *Config) OrbitPeriod() time.Duration {
	return parseDuration(cfg.Companion.Period, 8*time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
