package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/ui"
)

// printer is the observer used in headless mode.
type printer struct {
	w     io.Writer
	ended chan call.Summary
}

func newPrinter(w io.Writer, waitForEnd bool) *printer {
	p := &printer{w: w}
	if waitForEnd {
		p.ended = make(chan call.Summary, 1)
	}
	return p
}

func (p *printer) StateChanged(s call.Session) {
	if s.Active() {
		fmt.Fprintf(p.w, "Status: %s %s\n", s.State, s.PeerID)
	}
}

func (p *printer) IncomingCall(from string) {
	fmt.Fprintf(p.w, "Incoming call from %s (a to accept, r to reject)\n", from)
}

func (p *printer) LocalStream(s *capture.Stream) {
	fmt.Fprintf(p.w, "Local media: %d track(s)\n", len(s.Tracks()))
}

func (p *printer) RemoteTrack(t call.RemoteTrack) {
	fmt.Fprintf(p.w, "Remote %s track %s\n", t.Kind, t.ID)
}

func (p *printer) CallRejected(peer, reason string) {
	fmt.Fprintf(p.w, "Call rejected by %s: %s\n", peer, reason)
}

func (p *printer) CallEnded(s call.Summary) {
	fmt.Fprintf(p.w, "Call with %s ended (%s)\n", s.PeerID, s.Reason)
	if p.ended != nil {
		select {
		case p.ended <- s:
		default:
		}
	}
}

func (p *printer) Error(err error) {
	fmt.Fprintln(p.w, "Error:", capture.UserMessage(err))
}

const commandHelp = "Commands: a accept, r reject, e end, m mute, v video"

func state(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// readCommands drives the agent from line input, one letter per line.
func readCommands(ctx context.Context, r io.Reader, ctl ui.Controller, w io.Writer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var (
			on  bool
			err error
		)
		switch cmd := strings.TrimSpace(sc.Text()); cmd {
		case "":
			continue
		case "a":
			err = ctl.AcceptCall()
		case "r":
			err = ctl.RejectCall()
		case "e":
			err = ctl.EndCall()
		case "m":
			if on, err = ctl.ToggleAudio(); err == nil {
				fmt.Fprintf(w, "Microphone %s\n", state(on))
			}
		case "v":
			if on, err = ctl.ToggleVideo(); err == nil {
				fmt.Fprintf(w, "Camera %s\n", state(on))
			}
		default:
			fmt.Fprintln(w, commandHelp)
		}
		if err == nil {
			continue
		}
		if capture.IsMediaError(err) {
			fmt.Fprintln(w, "Error:", capture.UserMessage(err))
		} else {
			fmt.Fprintln(w, "Error:", err)
		}
	}
}
