package logger

import (
	"context"
	"fmt"
	"io"
	"time"

	"svlink/pkg/protocol"
)

// Record is one received pose as written to disk.
type Record struct {
	TS       string     `json:"ts" msgpack:"ts"`
	Session  string     `json:"session,omitempty" msgpack:"session,omitempty"`
	Seq      uint64     `json:"seq" msgpack:"seq"`
	Position [3]float32 `json:"position" msgpack:"position"`
	Rotation [4]float32 `json:"rotation" msgpack:"rotation"`
	SentTime int64      `json:"sent_time" msgpack:"sent_time"`

	Request protocol.ClientToServerPacket `json:"request" msgpack:"request"`
}

func NewRecord(session string, s protocol.PoseSample) Record {
	p := s.Pose
	return Record{
		TS:       s.Received.UTC().Format(time.RFC3339Nano),
		Session:  session,
		Seq:      s.Seq,
		Position: [3]float32{p.PosX, p.PosY, p.PosZ},
		Rotation: [4]float32{p.RotX, p.RotY, p.RotZ, p.RotW},
		SentTime: p.SentTime,
		Request:  s.Request,
	}
}

// Recorder drains pose samples until the channel closes or ctx is done.
type Recorder interface {
	Consume(ctx context.Context, in <-chan protocol.PoseSample)
}

// NewRecorder picks a writer by format name: "jsonl" or "msgpack".
func NewRecorder(format string, w io.Writer, session string) (Recorder, error) {
	switch format {
	case "", "jsonl":
		return NewJSONLWriter(w, session), nil
	case "msgpack":
		return NewMsgpackWriter(w, session), nil
	default:
		return nil, fmt.Errorf("unknown record format %q", format)
	}
}
