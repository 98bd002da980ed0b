package protocol_test

import (
	"encoding/binary"
	"math"
	"testing"

	"svlink/pkg/protocol"
)

func TestPacketSizes(t *testing.T) {
	if protocol.ClientPacketSize != 24 {
		t.Fatalf("unexpected client packet size: %d", protocol.ClientPacketSize)
	}
	if protocol.ServerPoseSize != 40 {
		t.Fatalf("unexpected server pose size: %d", protocol.ServerPoseSize)
	}
}

func TestClientPacketRoundTrip(t *testing.T) {
	in := protocol.ClientToServerPacket{
		SentTime:             1000,
		CaptureLatency:       -7,
		AdditionalOffsetTime: 16_666_666,
	}
	out, err := protocol.DecodeClientPacket(protocol.EncodeClientPacket(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestClientPacketLayout(t *testing.T) {
	buf := protocol.EncodeClientPacket(protocol.ClientToServerPacket{SentTime: 1, CaptureLatency: 2, AdditionalOffsetTime: 3})
	for i, want := range []uint64{1, 2, 3} {
		if got := binary.LittleEndian.Uint64(buf[i*8 : i*8+8]); got != want {
			t.Fatalf("field %d: got %d want %d", i, got, want)
		}
	}
}

func TestServerPoseLayout(t *testing.T) {
	payload := make([]byte, protocol.ServerPoseSize)
	floats := []float32{1, 2, 3, 0, 0, 0, 1}
	for i, f := range floats {
		binary.LittleEndian.PutUint32(payload[i*4:i*4+4], math.Float32bits(f))
	}
	// Padding bytes carry garbage on some peers and must be ignored.
	payload[28], payload[29], payload[30], payload[31] = 0xDE, 0xAD, 0xBE, 0xEF
	binary.LittleEndian.PutUint64(payload[32:40], 1000)

	pose, err := protocol.DecodeServerPose(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pose.Position() != (protocol.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected position: %+v", pose.Position())
	}
	if pose.Rotation() != (protocol.Quat{W: 1}) {
		t.Fatalf("unexpected rotation: %+v", pose.Rotation())
	}
	if pose.SentTime != 1000 {
		t.Fatalf("unexpected sent time: %d", pose.SentTime)
	}

	encoded := protocol.EncodeServerPose(pose)
	if len(encoded) != protocol.ServerPoseSize {
		t.Fatalf("unexpected encoded size: %d", len(encoded))
	}
	for i := 28; i < 32; i++ {
		if encoded[i] != 0 {
			t.Fatalf("padding byte %d not zeroed: 0x%02x", i, encoded[i])
		}
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	if _, err := protocol.DecodeServerPose(make([]byte, protocol.ServerPoseSize-1)); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if _, err := protocol.DecodeClientPacket(nil); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
