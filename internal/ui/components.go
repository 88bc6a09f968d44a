package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/darkprince558/vcall/internal/call"
)

// ViewID renders the own participant id
func ViewID(id string, copied bool) string {
	label := "Share this id with the caller: "
	if copied {
		label = "Share this id with the caller (copied to clipboard): "
	}
	return lipgloss.JoinVertical(lipgloss.Center, label, CodeStyle.Render(id))
}

// ViewStat renders one label/value row.
func ViewStat(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, StatLabelStyle.Render(label), value)
}

func onOff(name string, on, present bool) string {
	switch {
	case !present:
		return HelpStyle.Render(name + " none")
	case on:
		return StatValueStyle.Render(name + " on")
	default:
		return OffStyle.Render(name + " off")
	}
}

// ViewTracks lists the remote tracks of the call.
func ViewTracks(tracks []call.RemoteTrack) string {
	if len(tracks) == 0 {
		return HelpStyle.Render("no remote media yet")
	}
	lines := make([]string, 0, len(tracks))
	for _, t := range tracks {
		lines = append(lines, fmt.Sprintf("%s %s", t.Kind, t.ID))
	}
	return strings.Join(lines, "\n")
}

// ViewHelp lists the keys that do something in s.
func ViewHelp(s call.Session) string {
	var keys []string
	switch {
	case s.State == call.Ringing && !s.IsInitiator:
		keys = append(keys, "a accept", "r reject")
	case s.Active():
		keys = append(keys, "m mute", "v video", "e end")
	}
	keys = append(keys, "q quit")
	return HelpStyle.Render(strings.Join(keys, " • "))
}
