package main

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// simCompositor stands in for the graphics capture pipeline when the client
// runs headless. The encoder comes up on the second tick, and every frame is
// ready for the encoder.
type simCompositor struct {
	log   *slog.Logger
	delay time.Duration

	initCalls atomic.Int32
	photos    atomic.Uint64
	frames    atomic.Uint64
	audio     atomic.Uint64
}

func newSimCompositor(delay time.Duration, log *slog.Logger) *simCompositor {
	return &simCompositor{log: log, delay: delay}
}

func (c *simCompositor) UpdateFrameProvider() {}

func (c *simCompositor) InitializeVideoEncoder() bool {
	return c.initCalls.Add(1) > 1
}

func (c *simCompositor) TakePicture() {
	n := c.photos.Add(1)
	c.log.Info("capture: photo taken", "count", n)
}

func (c *simCompositor) StartRecording() { c.log.Info("capture: recording started") }

func (c *simCompositor) StopRecording() {
	c.log.Info("capture: recording stopped", "frames", c.frames.Load(), "audio", c.audio.Load())
}

func (c *simCompositor) IsVideoFrameReady() bool { return true }

func (c *simCompositor) RecordFrame() { c.frames.Add(1) }

func (c *simCompositor) RecordAudio(data []byte, at time.Time) { c.audio.Add(1) }

func (c *simCompositor) FrameDelay() time.Duration { return c.delay }

func (c *simCompositor) ReleaseTextures() {}
