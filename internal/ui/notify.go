package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// Notifier forwards call events to the screen.
type Notifier struct {
	s Sender
}

var _ call.Observer = (*Notifier)(nil)

func NewNotifier(s Sender) *Notifier { return &Notifier{s: s} }

func (n *Notifier) StateChanged(s call.Session)    { n.s.Send(StateMsg(s)) }
func (n *Notifier) IncomingCall(from string)       { n.s.Send(IncomingMsg(from)) }
func (n *Notifier) RemoteTrack(t call.RemoteTrack) { n.s.Send(RemoteTrackMsg(t)) }
func (n *Notifier) CallEnded(s call.Summary)       { n.s.Send(EndedMsg(s)) }
func (n *Notifier) Error(err error)                { n.s.Send(ErrorMsg{Err: err}) }

func (n *Notifier) CallRejected(peer, reason string) {
	n.s.Send(RejectedMsg{Peer: peer, Reason: reason})
}

func (n *Notifier) LocalStream(s *capture.Stream) {
	n.s.Send(LocalStreamMsg{
		Audio: len(s.TracksOf(capture.KindAudio)) > 0,
		Video: len(s.TracksOf(capture.KindVideo)) > 0,
	})
}
