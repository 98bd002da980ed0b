package monitor

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"svlink/pkg/link"
	"svlink/pkg/render"
)

// StatusSource reports link health.
type StatusSource interface {
	Status() link.Status
}

// Capture is the subset of the render bridge the monitor drives.
type Capture interface {
	RequestPhoto()
	StartRecording() bool
	StopRecording() bool
	IsRecording() bool
	Stats() render.Stats
}

type tickMsg time.Time

// Model is a bubbletea dashboard over the link and capture state.
// Keys: p photo, r toggle recording, q/esc/ctrl+c quit.
type Model struct {
	link     StatusSource
	capture  Capture
	interval time.Duration
	now      func() time.Time

	status  link.Status
	stats   render.Stats
	message string
	width   int
}

func New(src StatusSource, capture Capture, interval time.Duration) Model {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return Model{link: src, capture: capture, interval: interval, now: time.Now}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, m.tick()
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "p":
			if m.capture != nil {
				m.capture.RequestPhoto()
				m.message = "photo requested"
			}
		case "r":
			m.toggleRecording()
		}
		m.refresh()
	}
	return m, nil
}

func (m *Model) toggleRecording() {
	if m.capture == nil {
		return
	}
	if m.capture.IsRecording() {
		if m.capture.StopRecording() {
			m.message = "recording stopped"
		}
		return
	}
	if m.capture.StartRecording() {
		m.message = "recording started"
	} else {
		m.message = "encoder not ready"
	}
}

func (m *Model) refresh() {
	if m.link != nil {
		m.status = m.link.Status()
	}
	if m.capture != nil {
		m.stats = m.capture.Stats()
	}
}

func (m Model) View() string {
	var b strings.Builder
	st := m.status
	pos, rot := st.Pose.Position(), st.Pose.Rotation()

	fmt.Fprintf(&b, "svlink  %s  %s\n", strings.ToUpper(st.State.String()), st.Addr)
	fmt.Fprintf(&b, "exchanges %d  failures %d  connects %d  disconnects %d\n",
		st.Exchanges, st.Failures, st.Connects, st.Disconnects)
	if st.PoseReceived.IsZero() {
		b.WriteString("pose      none yet\n")
	} else {
		fmt.Fprintf(&b, "pose #%d  age %s\n", st.PoseSeq, st.PoseAge(m.now()).Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "  pos  %8.3f %8.3f %8.3f\n", pos.X, pos.Y, pos.Z)
	fmt.Fprintf(&b, "  rot  %8.3f %8.3f %8.3f %8.3f\n", rot.X, rot.Y, rot.Z, rot.W)
	if st.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", st.LastError)
	}
	if m.capture != nil {
		rec := "off"
		if m.stats.Recording {
			rec = "on"
		}
		fmt.Fprintf(&b, "capture   ticks %d  photos %d  frames %d  recording %s\n",
			m.stats.Ticks, m.stats.Photos, m.stats.VideoFrames, rec)
	}
	if m.message != "" {
		fmt.Fprintf(&b, "> %s\n", m.message)
	}
	b.WriteString("\n[p] photo  [r] record  [q] quit\n")
	return b.String()
}
