package logger

import (
	"context"
	"encoding/json"
	"io"

	"svlink/pkg/protocol"
)

type JSONLWriter struct {
	enc     *json.Encoder
	session string
}

func NewJSONLWriter(w io.Writer, session string) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{
		enc:     enc,
		session: session,
	}
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.PoseSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-in:
			if !ok {
				return
			}
			_ = j.enc.Encode(NewRecord(j.session, sample))
		}
	}
}
