package call

import (
	"errors"
	"fmt"
)

// State is the call-session state.
type State int

const (
	Idle State = iota
	Requesting
	Ringing
	Negotiating
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Ringing:
		return "ringing"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a state transition.
type Event int

const (
	EventDial Event = iota
	EventLoopback
	EventIncoming
	EventAccept
	EventReject
	EventAccepted
	EventRejected
	EventOffer
	EventAnswer
	EventCandidate
	EventMediaFlowing
	EventConnectionLost
	EventHangup
	EventRemoteHangup
	EventFailure
)

var eventNames = [...]string{
	EventDial:           "dial",
	EventLoopback:       "loopback",
	EventIncoming:       "incoming",
	EventAccept:         "accept",
	EventReject:         "reject",
	EventAccepted:       "accepted",
	EventRejected:       "rejected",
	EventOffer:          "offer",
	EventAnswer:         "answer",
	EventCandidate:      "candidate",
	EventMediaFlowing:   "media_flowing",
	EventConnectionLost: "connection_lost",
	EventHangup:         "hangup",
	EventRemoteHangup:   "remote_hangup",
	EventFailure:        "failure",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var ErrInvalidTransition = errors.New("invalid call state transition")

var transitions = map[State]map[Event]State{
	Idle: {
		EventDial:     Requesting,
		EventLoopback: Connected,
		EventIncoming: Ringing,
	},
	Requesting: {
		EventAccepted:     Negotiating,
		EventRejected:     Idle,
		EventHangup:       Idle,
		EventRemoteHangup: Idle,
		EventFailure:      Idle,
	},
	Ringing: {
		EventAccept:       Negotiating,
		EventReject:       Idle,
		EventHangup:       Idle,
		EventRemoteHangup: Idle,
		EventFailure:      Idle,
	},
	Negotiating: {
		EventOffer:          Negotiating,
		EventAnswer:         Negotiating,
		EventCandidate:      Negotiating,
		EventConnectionLost: Negotiating,
		EventMediaFlowing:   Connected,
		EventHangup:         Idle,
		EventRemoteHangup:   Idle,
		EventFailure:        Idle,
	},
	Connected: {
		EventOffer:          Connected,
		EventAnswer:         Connected,
		EventCandidate:      Connected,
		EventMediaFlowing:   Connected,
		EventConnectionLost: Negotiating,
		EventHangup:         Idle,
		EventRemoteHangup:   Idle,
		EventFailure:        Idle,
	},
}

// Transition returns the state reached from s on e. Pairs missing from the
// table are rejected with ErrInvalidTransition.
func Transition(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}
