package foxglove

const poseSchema = `{
  "type": "object",
  "properties": {
    "ts": { "type": "string" },
    "seq": { "type": "integer" },
    "position": { "type": "array", "items": { "type": "number" }, "minItems": 3, "maxItems": 3 },
    "rotation": { "type": "array", "items": { "type": "number" }, "minItems": 4, "maxItems": 4 },
    "sent_time": { "type": "integer" },
    "capture_latency_ms": { "type": "integer" },
    "additional_offset_ns": { "type": "integer" }
  },
  "required": ["seq", "position", "rotation"]
}`

const vector3Schema = `{ "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" } } }`

const quaternionSchema = `{ "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" }, "w": { "type": "number" } } }`

const timeSchema = `{ "type": "object", "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } } }`

const markerSchema = `{
  "type": "object",
  "properties": {
    "header": { "type": "object", "properties": { "frame_id": { "type": "string" }, "stamp": ` + timeSchema + ` } },
    "ns": { "type": "string" },
    "id": { "type": "integer" },
    "type": { "type": "integer" },
    "action": { "type": "integer" },
    "pose": { "type": "object", "properties": { "position": ` + vector3Schema + `, "orientation": ` + quaternionSchema + ` } },
    "scale": ` + vector3Schema + `,
    "color": { "type": "object", "properties": { "r": { "type": "number" }, "g": { "type": "number" }, "b": { "type": "number" }, "a": { "type": "number" } } }
  }
}`

const transformsSchema = `{
  "type": "object",
  "properties": {
    "transforms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "timestamp": ` + timeSchema + `,
          "parent_frame_id": { "type": "string" },
          "child_frame_id": { "type": "string" },
          "translation": ` + vector3Schema + `,
          "rotation": ` + quaternionSchema + `
        }
      }
    }
  }
}`

const logSchema = `{
  "type": "object",
  "properties": {
    "timestamp": ` + timeSchema + `,
    "level": { "type": "integer" },
    "message": { "type": "string" },
    "name": { "type": "string" },
    "file": { "type": "string" },
    "line": { "type": "integer" }
  }
}`

// Channel ids advertised to every client.
const (
	PoseChannelID      uint64 = 1
	MarkerChannelID    uint64 = 2
	TransformChannelID uint64 = 3
	LogChannelID       uint64 = 4
)

type Config struct {
	WSAddr        string
	Name          string
	TopicPrefix   string
	ParentFrameID string
	FrameID       string
	LogName       string
	MarkerScale   float64
	SendBuf       int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:        "127.0.0.1:8765",
		Name:          "svlink",
		TopicPrefix:   "svlink",
		ParentFrameID: "world",
		FrameID:       "hmd",
		LogName:       "svlink.link",
		MarkerScale:   0.2,
		SendBuf:       256,
	}
}

func (c Config) PoseTopic() string      { return c.TopicPrefix + "/pose" }
func (c Config) MarkerTopic() string    { return c.TopicPrefix + "/marker" }
func (c Config) TransformTopic() string { return c.TopicPrefix + "/tf" }
func (c Config) LogTopic() string       { return c.TopicPrefix + "/status" }

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WSAddr == "" {
		c.WSAddr = d.WSAddr
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = d.TopicPrefix
	}
	if c.ParentFrameID == "" {
		c.ParentFrameID = d.ParentFrameID
	}
	if c.FrameID == "" {
		c.FrameID = d.FrameID
	}
	if c.LogName == "" {
		c.LogName = d.LogName
	}
	if c.MarkerScale <= 0 {
		c.MarkerScale = d.MarkerScale
	}
	if c.SendBuf <= 0 {
		c.SendBuf = d.SendBuf
	}
	return c
}
