package protocol

import "time"

// ClientToServerPacket mirrors the compositor payload layout:
// struct { int64 sentTime; int64 captureLatency; int64 additionalOffsetTime; }.
type ClientToServerPacket struct {
	SentTime             int64 `json:"sent_time" msgpack:"sent_time"`
	CaptureLatency       int64 `json:"capture_latency_ms" msgpack:"capture_latency_ms"`
	AdditionalOffsetTime int64 `json:"additional_offset_ns" msgpack:"additional_offset_ns"`
}

// ServerPose mirrors the headset payload layout:
// struct { float posX, posY, posZ, rotX, rotY, rotZ, rotW; int64 sentTime; }.
// The int64 is 8-byte aligned on the peer, so four padding bytes follow RotW.
type ServerPose struct {
	PosX     float32 `json:"pos_x" msgpack:"pos_x"`
	PosY     float32 `json:"pos_y" msgpack:"pos_y"`
	PosZ     float32 `json:"pos_z" msgpack:"pos_z"`
	RotX     float32 `json:"rot_x" msgpack:"rot_x"`
	RotY     float32 `json:"rot_y" msgpack:"rot_y"`
	RotZ     float32 `json:"rot_z" msgpack:"rot_z"`
	RotW     float32 `json:"rot_w" msgpack:"rot_w"`
	_        [4]byte
	SentTime int64 `json:"sent_time" msgpack:"sent_time"`
}

type Vec3 struct {
	X float32 `json:"x" msgpack:"x"`
	Y float32 `json:"y" msgpack:"y"`
	Z float32 `json:"z" msgpack:"z"`
}

// Quat is stored x, y, z, w to match the pose payload order.
type Quat struct {
	X float32 `json:"x" msgpack:"x"`
	Y float32 `json:"y" msgpack:"y"`
	Z float32 `json:"z" msgpack:"z"`
	W float32 `json:"w" msgpack:"w"`
}

// IdentityQuat is the rotation reported before any pose has been received.
var IdentityQuat = Quat{W: 1}

func (p ServerPose) Position() Vec3 {
	return Vec3{X: p.PosX, Y: p.PosY, Z: p.PosZ}
}

func (p ServerPose) Rotation() Quat {
	return Quat{X: p.RotX, Y: p.RotY, Z: p.RotZ, W: p.RotW}
}

// NewServerPose builds a pose record from a position and rotation.
func NewServerPose(pos Vec3, rot Quat, sentTime int64) ServerPose {
	return ServerPose{
		PosX:     pos.X,
		PosY:     pos.Y,
		PosZ:     pos.Z,
		RotX:     rot.X,
		RotY:     rot.Y,
		RotZ:     rot.Z,
		RotW:     rot.W,
		SentTime: sentTime,
	}
}

// PoseSample is the normalized pose flowing through the pipeline.
type PoseSample struct {
	Seq      uint64
	Received time.Time
	Pose     ServerPose
	Request  ClientToServerPacket
}
