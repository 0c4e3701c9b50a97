// Package tui is the terminal status view of the scanner.
//
// Keys: space pauses or resumes acquisition, p pauses frame handling, n steps one frame,
// r toggles recording, s saves the model, c clears it and q quits.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go.viam.com/rgbd/scan"
)

const refreshInterval = 200 * time.Millisecond

// Session is what the view drives.
type Session interface {
	State() scan.UIState
	SetAcquisitionPaused(paused bool)
	SetPaused(paused bool)
	Step()
	SetRecording(recording bool) error
	SaveModel() error
	ResetModel()
	Quit()
}

// RunFinishedMsg tells the view that the session returned.
type RunFinishedMsg struct {
	Err error
}

type tickMsg time.Time

// Model is the bubbletea model of the view.
type Model struct {
	session Session
	state   scan.UIState
	status  string
	err     error
	width   int
}

// New returns the view of session.
func New(session Session) *Model {
	return &Model{session: session, state: session.State()}
}

// Err is the error the session ended with.
func (m *Model) Err() error {
	return m.err
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the refresh ticks.
func (m *Model) Init() tea.Cmd {
	return tick()
}

// Update handles keys, refresh ticks and the end of the session.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.state = m.session.State()
		return m, tick()
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case RunFinishedMsg:
		m.err = msg.Err
		m.state = m.session.State()
		return m, tea.Quit
	case tea.KeyMsg:
		return m, m.handleKey(msg.String())
	}
	return m, nil
}

func (m *Model) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c", "esc":
		m.session.Quit()
		m.status = "stopping"
	case " ":
		paused := !m.state.AcquisitionPaused
		m.session.SetAcquisitionPaused(paused)
		m.status = "acquisition running"
		if paused {
			m.status = "acquisition paused"
		}
	case "p":
		m.session.SetPaused(!m.state.Paused)
	case "n":
		m.session.Step()
		m.status = "next frame"
	case "r":
		recording := !m.state.Recording
		switch err := m.session.SetRecording(recording); {
		case err != nil:
			m.status = err.Error()
		case recording:
			m.status = "recording"
		default:
			m.status = "recording stopped"
		}
	case "s":
		if err := m.session.SaveModel(); err != nil {
			m.status = err.Error()
		} else {
			m.status = "model saved"
		}
	case "c":
		m.session.ResetModel()
		m.status = "model cleared"
	default:
		return nil
	}
	m.state = m.session.State()
	return nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(12)
	onStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50C878"))
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).MarginTop(1)
)

func flag(on bool, yes, no string) string {
	if on {
		return onStyle.Render(yes)
	}
	return offStyle.Render(no)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// View renders the state.
func (m *Model) View() string {
	s := m.state
	lines := []string{
		titleStyle.Render("RGBD scanner · " + s.Device),
		row("frames", fmt.Sprintf("%d (last %d, skipped %d, dropped %d)", s.Frames, s.LastIndex, s.Skipped, s.Dropped)),
		row("rate", fmt.Sprintf("%.1f fps", s.FPS)),
		row("capture", flag(!s.Paused, "running", "paused")),
		row("acquisition", flag(!s.AcquisitionPaused, "running", "paused")),
		row("recording", flag(s.Recording, fmt.Sprintf("on (%d views)", s.Recorded), "off")),
		row("model", fmt.Sprintf("%d surfels from %d frames", s.ModelSize, s.FusedFrames)),
		row("preview", fmt.Sprintf("%d points", s.PreviewPoints)),
	}
	if s.Pose != "" {
		lines = append(lines, row("pose", s.Pose))
	}
	if s.Errors > 0 {
		lines = append(lines, row("errors", offStyle.Render(fmt.Sprintf("%d, last: %s", s.Errors, s.LastError))))
	}
	box := boxStyle
	if m.width > 4 {
		box = box.Width(m.width - 2)
	}
	out := box.Render(strings.Join(lines, "\n"))
	if thumb := renderThumbnail(s.Thumbnail); thumb != "" {
		out = lipgloss.JoinVertical(lipgloss.Left, out, boxStyle.Render(thumb))
	}
	hint := "space acquire · p pause · n next · r record · s save · c clear · q quit"
	if m.status != "" {
		hint = m.status + "\n" + hint
	}
	return lipgloss.JoinVertical(lipgloss.Left, out, hintStyle.Render(hint))
}
