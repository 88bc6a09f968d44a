package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/darkprince558/vcall/internal/call"
)

var (
	ColorPrimary   = lipgloss.Color("#7D56F4")
	ColorSecondary = lipgloss.Color("#9F7AEA")
	ColorSuccess   = lipgloss.Color("#38A169")
	ColorWarning   = lipgloss.Color("#D69E2E")
	ColorError     = lipgloss.Color("#E53E3E")
	ColorSubtext   = lipgloss.Color("#A0AEC0")
)

// Styles
var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true).
			Padding(0, 1)

	StatusStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Italic(true)

	CodeStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Background(lipgloss.Color("#2D3748")).
			Padding(0, 1).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	ContainerStyle = lipgloss.NewStyle().
			Padding(1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Width(60)

	ModalStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.DoubleBorder()).
			BorderForeground(ColorError).
			Width(70)

	PromptStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext)

	StatLabelStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Width(12)

	StatValueStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	OffStyle = lipgloss.NewStyle().
			Foreground(ColorError)
)

var stateColors = map[call.State]lipgloss.Color{
	call.Idle:        ColorSubtext,
	call.Requesting:  ColorWarning,
	call.Ringing:     ColorWarning,
	call.Negotiating: ColorSecondary,
	call.Connected:   ColorSuccess,
}

// StateStyle colors a call state label.
func StateStyle(s call.State) lipgloss.Style {
	c, ok := stateColors[s]
	if !ok {
		c = ColorSubtext
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}
