package call

import (
	"context"
	"fmt"

	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/signaling"
)

// ConnState is the peer connection state as reported by the WebRTC stack.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (c ConnState) String() string {
	switch c {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return fmt.Sprintf("conn(%d)", int(c))
}

// RemoteTrack is a media track received from the peer.
type RemoteTrack struct {
	ID       string
	Kind     capture.Kind
	StreamID string
}

// PeerHandlers receive peer connection callbacks. They may be invoked from
// any goroutine.
type PeerHandlers struct {
	OnCandidate   func(signaling.ICECandidate)
	OnTrack       func(RemoteTrack)
	OnStateChange func(ConnState)
}

// Peer is one WebRTC peer connection.
type Peer interface {
	AddStream(s *capture.Stream) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context, iceRestart bool) (signaling.SessionDescription, error)
	// Answer applies a remote offer, then creates and sets the local answer.
	Answer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)
	SetRemoteDescription(d signaling.SessionDescription) error
	AddICECandidate(c signaling.ICECandidate) error
	// Close is idempotent.
	Close() error
}

type PeerFactory interface {
	NewPeer(ctx context.Context, h PeerHandlers) (Peer, error)
}

// Observer is told about everything the user should see. Callbacks run on the
// agent's event loop, so they must return quickly and must not call back into
// the Agent synchronously.
type Observer interface {
	StateChanged(s Session)
	IncomingCall(from string)
	LocalStream(s *capture.Stream)
	RemoteTrack(t RemoteTrack)
	CallRejected(peer, reason string)
	CallEnded(s Summary)
	// Error reports media errors raised outside a user command.
	Error(err error)
}

// NopObserver ignores everything. Embed it to implement only some callbacks.
type NopObserver struct{}

func (NopObserver) StateChanged(Session)        {}
func (NopObserver) IncomingCall(string)         {}
func (NopObserver) LocalStream(*capture.Stream) {}
func (NopObserver) RemoteTrack(RemoteTrack)     {}
func (NopObserver) CallRejected(string, string) {}
func (NopObserver) CallEnded(Summary)           {}
func (NopObserver) Error(error)                 {}
