package call

import "time"

// Role is a participant's part in a call.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleCallee   Role = "callee"
	RoleLoopback Role = "loopback"
)

// Session is the single active call. The zero value is the empty session.
type Session struct {
	State       State
	PeerID      string
	IsInitiator bool
	Loopback    bool
	Started     time.Time
	// Connected is when media first flowed; zero until then.
	Connected time.Time
}

func (s Session) Role() Role {
	switch {
	case s.Loopback:
		return RoleLoopback
	case s.IsInitiator:
		return RoleCaller
	default:
		return RoleCallee
	}
}

// Active reports whether a call is in progress.
func (s Session) Active() bool { return s.State != Idle }

// Summary describes a finished call session.
type Summary struct {
	PeerID    string
	Role      Role
	Started   time.Time
	Connected time.Time
	Ended     time.Time
	// Reason is the signaling reason that ended the session, such as
	// "hangup", "declined" or "media_error".
	Reason string
	// Remote is true when the peer ended or rejected the call.
	Remote bool
	Err    error
}

func (s Summary) MediaFlowed() bool { return !s.Connected.IsZero() }

// Duration is the time media flowed.
func (s Summary) Duration() time.Duration {
	if s.Connected.IsZero() {
		return 0
	}
	return s.Ended.Sub(s.Connected)
}
