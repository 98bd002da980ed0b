package logger

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"svlink/pkg/protocol"
)

// maxFrameSize bounds a single length-prefixed record when reading back.
const maxFrameSize = 1 << 20

// MsgpackWriter writes records as msgpack frames, each preceded by a 4-byte
// big-endian length.
type MsgpackWriter struct {
	w       *bufio.Writer
	session string
	prefix  [4]byte
}

func NewMsgpackWriter(w io.Writer, session string) *MsgpackWriter {
	return &MsgpackWriter{w: bufio.NewWriter(w), session: session}
}

func (m *MsgpackWriter) Consume(ctx context.Context, in <-chan protocol.PoseSample) {
	defer m.w.Flush()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-in:
			if !ok {
				return
			}
			if err := m.Write(NewRecord(m.session, sample)); err != nil {
				slog.Warn("logger: msgpack write failed", "error", err)
				return
			}
			// Flush once the burst is drained.
			if len(in) == 0 {
				_ = m.w.Flush()
			}
		}
	}
}

func (m *MsgpackWriter) Write(rec Record) error {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	binary.BigEndian.PutUint32(m.prefix[:], uint32(len(data)))
	if _, err := m.w.Write(m.prefix[:]); err != nil {
		return err
	}
	_, err = m.w.Write(data)
	return err
}

// ReadMsgpackRecords decodes every frame in r until EOF.
func ReadMsgpackRecords(r io.Reader) ([]Record, error) {
	var (
		out    []Record
		prefix [4]byte
	)
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(prefix[:])
		if n > maxFrameSize {
			return out, fmt.Errorf("frame too large: %d bytes", n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return out, fmt.Errorf("read frame: %w", err)
		}
		var rec Record
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return out, fmt.Errorf("unmarshal frame: %w", err)
		}
		out = append(out, rec)
	}
}
