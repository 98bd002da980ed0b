package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Both packets travel as raw little-endian images of the peer's in-memory
// layout. There is no header, length prefix or version; reordering a field or
// changing its width breaks the link.
var (
	ClientPacketSize = binary.Size(ClientToServerPacket{})
	ServerPoseSize   = binary.Size(ServerPose{})
)

// EncodeClientPacket returns the wire image of pkt.
func EncodeClientPacket(pkt ClientToServerPacket) []byte {
	buf := make([]byte, ClientPacketSize)
	PutClientPacket(buf, pkt)
	return buf
}

// PutClientPacket writes the wire image of pkt into buf, which must hold
// ClientPacketSize bytes.
func PutClientPacket(buf []byte, pkt ClientToServerPacket) {
	_ = buf[ClientPacketSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(pkt.SentTime))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(pkt.CaptureLatency))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(pkt.AdditionalOffsetTime))
}

// DecodeClientPacket parses an exact ClientPacketSize image.
func DecodeClientPacket(payload []byte) (ClientToServerPacket, error) {
	var pkt ClientToServerPacket
	if err := decodeFixed(payload, ClientPacketSize, &pkt); err != nil {
		return ClientToServerPacket{}, fmt.Errorf("client packet: %w", err)
	}
	return pkt, nil
}

// EncodeServerPose returns the wire image of pose, padding included.
func EncodeServerPose(pose ServerPose) []byte {
	var buf bytes.Buffer
	buf.Grow(ServerPoseSize)
	// Writes into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, pose)
	return buf.Bytes()
}

// DecodeServerPose parses an exact ServerPoseSize image.
func DecodeServerPose(payload []byte) (ServerPose, error) {
	var pose ServerPose
	if err := decodeFixed(payload, ServerPoseSize, &pose); err != nil {
		return ServerPose{}, fmt.Errorf("server pose: %w", err)
	}
	return pose, nil
}

func decodeFixed(payload []byte, size int, out any) error {
	if len(payload) != size {
		return fmt.Errorf("payload size %d does not match type size %d", len(payload), size)
	}
	return binary.Read(bytes.NewReader(payload), binary.LittleEndian, out)
}
