// Package logging configures the leveled pterm logger shared by all packages.
package logging

import (
	"io"
	"os"

	"github.com/pterm/pterm"
)

// Component names, one per concern, attached as the "component" argument.
const (
	MQTT   = "mqtt"
	Call   = "call"
	WebRTC = "webrtc"
	ICE    = "ice"
	Media  = "media"
)

// New returns a logger writing to w. Debug enables debug and trace output.
func New(w io.Writer, debug bool) *pterm.Logger {
	l := pterm.DefaultLogger.
		WithWriter(w).
		WithTime(true).
		WithMaxWidth(1000)
	l.TimeFormat = "02 Jan 15:04:05"
	if debug {
		return l.WithLevel(pterm.LogLevelDebug)
	}
	return l.WithLevel(pterm.LogLevelInfo)
}

// Stderr is the logger used in headless mode.
func Stderr(debug bool) *pterm.Logger {
	return New(os.Stderr, debug)
}

// Discard drops everything; used by tests.
func Discard() *pterm.Logger {
	return New(io.Discard, false).WithLevel(pterm.LogLevelDisabled)
}

// File appends log output to path, for when the TUI owns the terminal.
func File(path string, debug bool) (*pterm.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return New(f, debug), f, nil
}
