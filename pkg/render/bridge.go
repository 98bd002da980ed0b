package render

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Compositor is the device-bound capture pipeline. Every method is called
// from Tick (or Reset/Detach) while the device region is held.
type Compositor interface {
	UpdateFrameProvider()
	InitializeVideoEncoder() bool
	TakePicture()
	StartRecording()
	StopRecording()
	IsVideoFrameReady() bool
	RecordFrame()
	RecordAudio(data []byte, at time.Time)
	// FrameDelay is how far the capture pipeline runs behind real time.
	FrameDelay() time.Duration
	ReleaseTextures()
}

type commandKind uint8

const (
	cmdPhoto commandKind = iota + 1
	cmdStartRecording
	cmdStopRecording
	cmdAudio
)

type command struct {
	kind  commandKind
	audio []byte
	at    time.Time
}

// Stats counts what the render tick dispatched to the compositor.
type Stats struct {
	Ticks          uint64
	Photos         uint64
	VideoFrames    uint64
	AudioFrames    uint64
	DroppedAudio   uint64
	EncoderReady   bool
	Recording      bool
	RecordingDrops uint64
}

// Bridge serializes device work onto the render tick. External triggers only
// flip atomics and enqueue commands; the tick drains the queue inside the
// device region, so nothing else ever touches the compositor concurrently.
type Bridge struct {
	mu   sync.Mutex
	comp Compositor
	// active is the encoder's actual recording state; guarded by mu.
	active bool

	cmds chan command
	log  *slog.Logger

	photoPending atomic.Bool
	recording    atomic.Bool
	videoReady   atomic.Bool
	frameDelay   atomic.Int64

	ticks          atomic.Uint64
	photos         atomic.Uint64
	videoFrames    atomic.Uint64
	audioFrames    atomic.Uint64
	droppedAudio   atomic.Uint64
	recordingDrops atomic.Uint64
}

type Option func(*Bridge)

func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.cmds = make(chan command, n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{
		cmds: make(chan command, 64),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach installs the compositor once the graphics device exists. Commands
// queued for a compositor it replaces are discarded; photo requests made
// before the first attach are kept.
func (b *Bridge) Attach(c Compositor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.comp != nil {
		b.discardPending()
	}
	b.comp = c
	b.active = false
	b.videoReady.Store(false)
	b.recording.Store(false)
}

// Detach stops any active recording and drops the compositor.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.comp == nil {
		return
	}
	if b.active {
		b.comp.StopRecording()
		b.active = false
	}
	b.comp.ReleaseTextures()
	b.comp = nil
	b.videoReady.Store(false)
	b.recording.Store(false)
	b.discardPending()
}

// discardPending drops every queued command. Called with mu held.
func (b *Bridge) discardPending() {
	for {
		select {
		case <-b.cmds:
		default:
			b.photoPending.Store(false)
			return
		}
	}
}

// Reset releases device-bound textures without detaching the compositor.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.comp != nil {
		b.comp.ReleaseTextures()
	}
}

// RequestPhoto asks the next tick for one picture. Requests made before that
// tick collapse into a single capture.
func (b *Bridge) RequestPhoto() {
	if !b.photoPending.CompareAndSwap(false, true) {
		return
	}
	if !b.enqueue(command{kind: cmdPhoto}) {
		b.photoPending.Store(false)
		b.log.Warn("render: photo request dropped, queue full")
	}
}

// StartRecording is ignored until the video encoder has initialized. It
// reports whether the request was accepted.
func (b *Bridge) StartRecording() bool {
	if !b.videoReady.Load() {
		return false
	}
	if !b.recording.CompareAndSwap(false, true) {
		return true
	}
	if !b.enqueue(command{kind: cmdStartRecording}) {
		b.recording.Store(false)
		b.recordingDrops.Add(1)
		return false
	}
	return true
}

func (b *Bridge) StopRecording() bool {
	if !b.videoReady.Load() {
		return false
	}
	if !b.recording.CompareAndSwap(true, false) {
		return true
	}
	if !b.enqueue(command{kind: cmdStopRecording}) {
		b.recording.Store(true)
		b.recordingDrops.Add(1)
		return false
	}
	return true
}

func (b *Bridge) IsRecording() bool {
	return b.recording.Load()
}

// SubmitAudio forwards an audio buffer to the encoder while recording.
// Buffers are dropped when not recording or when the queue is full.
func (b *Bridge) SubmitAudio(data []byte, at time.Time) {
	if !b.recording.Load() {
		return
	}
	buf := append([]byte(nil), data...)
	if !b.enqueue(command{kind: cmdAudio, audio: buf, at: at}) {
		b.droppedAudio.Add(1)
	}
}

// CaptureLatency reports the compositor frame delay sampled on the last
// tick, so the network path never calls into the device.
func (b *Bridge) CaptureLatency() time.Duration {
	return time.Duration(b.frameDelay.Load())
}

// Tick runs the per-frame device work: frame provider update, lazy encoder
// init, queued capture commands, then one video frame if recording.
func (b *Bridge) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ticks.Add(1)
	if b.comp == nil {
		return
	}

	b.comp.UpdateFrameProvider()
	b.frameDelay.Store(int64(b.comp.FrameDelay()))

	if !b.videoReady.Load() {
		if b.comp.InitializeVideoEncoder() {
			b.videoReady.Store(true)
			b.log.Info("render: video encoder initialized")
		}
	}

	b.drain()

	if b.active && b.comp.IsVideoFrameReady() {
		b.comp.RecordFrame()
		b.videoFrames.Add(1)
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case cmd := <-b.cmds:
			b.dispatch(cmd)
		default:
			return
		}
	}
}

func (b *Bridge) dispatch(cmd command) {
	switch cmd.kind {
	case cmdPhoto:
		b.photoPending.Store(false)
		b.comp.TakePicture()
		b.photos.Add(1)
	case cmdStartRecording:
		if !b.active && b.videoReady.Load() {
			b.comp.StartRecording()
			b.active = true
			b.log.Info("render: recording started")
		}
	case cmdStopRecording:
		if b.active {
			b.comp.StopRecording()
			b.active = false
			b.log.Info("render: recording stopped")
		}
	case cmdAudio:
		if b.active {
			b.comp.RecordAudio(cmd.audio, cmd.at)
			b.audioFrames.Add(1)
		}
	}
}

func (b *Bridge) enqueue(cmd command) bool {
	select {
	case b.cmds <- cmd:
		return true
	default:
		return false
	}
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Ticks:          b.ticks.Load(),
		Photos:         b.photos.Load(),
		VideoFrames:    b.videoFrames.Load(),
		AudioFrames:    b.audioFrames.Load(),
		DroppedAudio:   b.droppedAudio.Load(),
		EncoderReady:   b.videoReady.Load(),
		Recording:      b.recording.Load(),
		RecordingDrops: b.recordingDrops.Load(),
	}
}
