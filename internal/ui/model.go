// Package ui renders the call screen with bubbletea.
package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/signaling"
)

// Controller is the call agent as seen by the screen.
type Controller interface {
	AcceptCall() error
	RejectCall() error
	EndCall() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

// Messages
type (
	StateMsg       call.Session
	IncomingMsg    string
	RemoteTrackMsg call.RemoteTrack
	EndedMsg       call.Summary
	StatusMsg      string

	// ErrorMsg carries a media error raised outside a key press.
	ErrorMsg struct{ Err error }
)

type LocalStreamMsg struct {
	Audio bool
	Video bool
}

type RejectedMsg struct {
	Peer   string
	Reason string
}

// ActionMsg is the result of a key press handled by the Controller.
type ActionMsg struct {
	Action string
	On     bool
	Err    error
}

type Model struct {
	ID        string
	Copied    bool
	QuitOnEnd bool

	Session  call.Session
	Incoming string
	Tracks   []call.RemoteTrack
	HasAudio bool
	HasVideo bool
	AudioOn  bool
	VideoOn  bool

	Spinner spinner.Model
	Status  string
	// Alert is a blocking media error; keys other than enter/esc are ignored
	// until it is dismissed.
	Alert error
	Exit  bool

	rejected bool
	ctl      Controller
	now      func() time.Time
}

func NewModel(id string, ctl Controller) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorSecondary)

	return Model{
		ID:      id,
		Spinner: s,
		Status:  "Waiting for calls...",
		AudioOn: true,
		VideoOn: true,
		ctl:     ctl,
		now:     time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return m.Spinner.Tick
}

func (m Model) act(action string, fn func() (bool, error)) tea.Cmd {
	return func() tea.Msg {
		on, err := fn()
		return ActionMsg{Action: action, On: on, Err: err}
	}
}

func noValue(fn func() error) func() (bool, error) {
	return func() (bool, error) { return false, fn() }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case StateMsg:
		prev := m.Session
		m.Session = call.Session(msg)
		if !prev.Active() && m.Session.Active() {
			m.Tracks = nil
			m.AudioOn, m.VideoOn = true, true
		}
		if m.Session.State == call.Ringing && !m.Session.IsInitiator {
			m.Incoming = m.Session.PeerID
		} else {
			m.Incoming = ""
		}
		// The end of a session is reported by EndedMsg.
		if m.Session.Active() {
			m.Status = stateStatus(m.Session)
		}

	case IncomingMsg:
		m.Incoming = string(msg)
		m.Status = fmt.Sprintf("Incoming call from %s", msg)

	case LocalStreamMsg:
		m.HasAudio, m.HasVideo = msg.Audio, msg.Video

	case RemoteTrackMsg:
		m.Tracks = append(m.Tracks, call.RemoteTrack(msg))

	case RejectedMsg:
		m.rejected = true
		switch msg.Reason {
		case signaling.ReasonBusy:
			m.Status = fmt.Sprintf("%s is busy", msg.Peer)
		case signaling.ReasonMediaError:
			m.Status = fmt.Sprintf("%s could not access their camera or microphone", msg.Peer)
		default:
			m.Status = fmt.Sprintf("%s declined the call", msg.Peer)
		}

	case EndedMsg:
		s := call.Summary(msg)
		m.Tracks = nil
		m.Incoming = ""
		m.HasAudio, m.HasVideo = false, false
		if !m.rejected {
			m.Status = endedStatus(s)
		}
		m.rejected = false
		if m.QuitOnEnd && m.Alert == nil {
			m.Exit = true
			return m, tea.Quit
		}

	case ErrorMsg:
		m.Alert = msg.Err

	case StatusMsg:
		m.Status = string(msg)

	case ActionMsg:
		if msg.Err != nil {
			if capture.IsMediaError(msg.Err) {
				m.Alert = msg.Err
			} else {
				m.Status = fmt.Sprintf("%s failed: %v", msg.Action, msg.Err)
			}
			break
		}
		switch msg.Action {
		case "mute":
			m.AudioOn = msg.On
		case "video":
			m.VideoOn = msg.On
		}
	}

	return m, nil
}

func (m Model) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.Exit = true
		return m, tea.Quit
	}
	if m.Alert != nil {
		if msg.Type == tea.KeyEnter || msg.Type == tea.KeyEsc {
			m.Alert = nil
			if m.QuitOnEnd && !m.Session.Active() {
				m.Exit = true
				return m, tea.Quit
			}
		}
		return m, nil
	}

	ringing := m.Session.State == call.Ringing && !m.Session.IsInitiator
	switch msg.String() {
	case "q":
		m.Exit = true
		return m, tea.Quit
	case "a":
		if ringing {
			m.Status = "Accepting..."
			return m, m.act("accept", noValue(m.ctl.AcceptCall))
		}
	case "r":
		if ringing {
			return m, m.act("reject", noValue(m.ctl.RejectCall))
		}
	case "e":
		if m.Session.Active() {
			return m, m.act("end", noValue(m.ctl.EndCall))
		}
	case "m":
		if m.Session.Active() {
			return m, m.act("mute", m.ctl.ToggleAudio)
		}
	case "v":
		if m.Session.Active() {
			return m, m.act("video", m.ctl.ToggleVideo)
		}
	}
	return m, nil
}

func stateStatus(s call.Session) string {
	switch s.State {
	case call.Requesting:
		return fmt.Sprintf("Calling %s...", s.PeerID)
	case call.Ringing:
		return fmt.Sprintf("Incoming call from %s", s.PeerID)
	case call.Negotiating:
		return fmt.Sprintf("Connecting to %s...", s.PeerID)
	case call.Connected:
		if s.Loopback {
			return "Loopback call active"
		}
		return fmt.Sprintf("In call with %s", s.PeerID)
	}
	return "Waiting for calls..."
}

func endedStatus(s call.Summary) string {
	who := s.PeerID
	if s.Role == call.RoleLoopback {
		who = "yourself"
	}
	switch {
	case s.Reason == signaling.ReasonDeclined && !s.Remote:
		return fmt.Sprintf("Declined call from %s", s.PeerID)
	case s.Err != nil:
		return fmt.Sprintf("Call with %s failed: %s", who, s.Reason)
	case s.Remote:
		return fmt.Sprintf("%s ended the call", s.PeerID)
	case s.MediaFlowed():
		return fmt.Sprintf("Call with %s ended after %s", who, s.Duration().Round(time.Second))
	}
	return fmt.Sprintf("Call with %s ended", who)
}

func (m Model) View() string {
	if m.Alert != nil {
		return ModalStyle.Render(
			lipgloss.JoinVertical(lipgloss.Left,
				ErrorStyle.Render("Media Error"),
				capture.UserMessage(m.Alert),
				"",
				HelpStyle.Render(fmt.Sprintf("%v", m.Alert)),
				HelpStyle.Render("press enter to dismiss"),
			),
		)
	}

	header := TitleStyle.Render("VCALL")
	s := m.Session

	rows := []string{ViewStat("STATE", StateStyle(s.State).Render(s.State.String()))}
	if s.Active() {
		rows = append(rows,
			ViewStat("PEER", StatValueStyle.Render(s.PeerID)),
			ViewStat("MEDIA", onOff("mic", m.AudioOn, m.HasAudio)+"  "+onOff("cam", m.VideoOn, m.HasVideo)),
		)
		if !s.Connected.IsZero() {
			rows = append(rows, ViewStat("DURATION", StatValueStyle.Render(m.now().Sub(s.Connected).Round(time.Second).String())))
		}
	}
	telemetry := lipgloss.JoinVertical(lipgloss.Left, rows...)

	parts := []string{header, ViewID(m.ID, m.Copied), " ", telemetry}
	if m.Incoming != "" {
		parts = append(parts, " ", PromptStyle.Render(fmt.Sprintf("Incoming call from %s  [a] accept  [r] reject", m.Incoming)))
	}
	if s.State == call.Connected {
		parts = append(parts, " ", ViewTracks(m.Tracks))
	}

	status := StatusStyle.Render(m.Status)
	if s.State == call.Requesting || s.State == call.Negotiating {
		status = m.Spinner.View() + " " + status
	}
	parts = append(parts, " ", status, ViewHelp(s))

	return ContainerStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
