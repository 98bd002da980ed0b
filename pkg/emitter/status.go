package emitter

import (
	"context"
	"time"

	"svlink/pkg/link"
	"svlink/pkg/protocol"
)

type StatusPayload struct {
	TS          string  `json:"ts"`
	Session     string  `json:"session,omitempty"`
	State       string  `json:"state"`
	Addr        string  `json:"addr,omitempty"`
	Exchanges   uint64  `json:"exchanges"`
	Failures    uint64  `json:"failures"`
	Connects    uint64  `json:"connects"`
	Disconnects uint64  `json:"disconnects"`
	LastError   string  `json:"last_error,omitempty"`
	PoseAgeMS   float64 `json:"pose_age_ms,omitempty"`
	PoseSeq     uint64  `json:"pose_seq"`
}

func NewStatusPayload(session string, st link.Status, now time.Time) StatusPayload {
	p := StatusPayload{
		TS:          now.UTC().Format(time.RFC3339Nano),
		Session:     session,
		State:       st.State.String(),
		Addr:        st.Addr,
		Exchanges:   st.Exchanges,
		Failures:    st.Failures,
		Connects:    st.Connects,
		Disconnects: st.Disconnects,
		LastError:   st.LastError,
		PoseSeq:     st.PoseSeq,
	}
	if !st.PoseReceived.IsZero() {
		p.PoseAgeMS = float64(st.PoseAge(now)) / float64(time.Millisecond)
	}
	return p
}

func offlinePayload(session string) StatusPayload {
	return StatusPayload{State: "offline", Session: session, TS: time.Now().UTC().Format(time.RFC3339Nano)}
}

type PosePayload struct {
	Seq      uint64     `json:"seq"`
	TS       string     `json:"ts"`
	Position [3]float32 `json:"position"`
	Rotation [4]float32 `json:"rotation"`
	SentTime int64      `json:"sent_time"`
}

func NewPosePayload(s protocol.PoseSample) PosePayload {
	p := s.Pose
	return PosePayload{
		Seq:      s.Seq,
		TS:       s.Received.UTC().Format(time.RFC3339Nano),
		Position: [3]float32{p.PosX, p.PosY, p.PosZ},
		Rotation: [4]float32{p.RotX, p.RotY, p.RotZ, p.RotW},
		SentTime: p.SentTime,
	}
}

// StatusSource is anything that reports link health.
type StatusSource interface {
	Status() link.Status
}

// WatchStatus polls src and publishes whenever the link state changes, and
// at least every heartbeat otherwise.
func (e *MQTTEmitter) WatchStatus(ctx context.Context, src StatusSource, poll, heartbeat time.Duration) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if heartbeat < poll {
		heartbeat = poll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var (
		lastState = "unset"
		lastSent  time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st := src.Status()
			state := st.State.String()
			if state == lastState && now.Sub(lastSent) < heartbeat {
				continue
			}
			if err := e.PublishStatus(st, now); err != nil {
				e.log.Debug("mqtt status publish failed", "error", err)
				continue
			}
			if state != lastState {
				e.log.Info("link state published", "state", state, "topic", e.StatusTopic())
			}
			lastState = state
			lastSent = now
		}
	}
}
