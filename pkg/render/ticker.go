package render

import (
	"context"
	"time"
)

// DefaultTickHz is the render loop rate the link is tuned for.
const DefaultTickHz = 60

// FrameInterval returns the duration of one tick at hz (DefaultTickHz when
// hz is not positive).
func FrameInterval(hz int) time.Duration {
	if hz <= 0 {
		hz = DefaultTickHz
	}
	return time.Second / time.Duration(hz)
}

// RunTicker calls fn at a fixed rate until ctx is done. Ticks that fall
// behind are skipped, not queued.
func RunTicker(ctx context.Context, hz int, fn func(now time.Time)) {
	ticker := time.NewTicker(FrameInterval(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}
