// Package rtc builds WebRTC peer connections for calls on top of pion.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/logging"
	"github.com/darkprince558/vcall/internal/signaling"
)

// Factory creates peer connections sharing one media engine.
type Factory struct {
	api       *webrtc.API
	ice       *ICEProvider
	recordDir string
	log       *pterm.Logger
}

var _ call.PeerFactory = (*Factory)(nil)

// NewFactory registers the default codecs and interceptors. A nil provider
// means host candidates only. Remote media is written under recordDir when
// it is set.
func NewFactory(ice *ICEProvider, recordDir string, log *pterm.Logger) (*Factory, error) {
	if log == nil {
		log = logging.Discard()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	return &Factory{api: api, ice: ice, recordDir: recordDir, log: log}, nil
}

func (f *Factory) NewPeer(ctx context.Context, h call.PeerHandlers) (call.Peer, error) {
	var servers []webrtc.ICEServer
	if f.ice != nil {
		servers = f.ice.Servers(ctx)
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p := &Peer{pc: pc, log: f.log, recordDir: f.recordDir}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnCandidate == nil {
			return
		}
		j := c.ToJSON()
		h.OnCandidate(signaling.ICECandidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.log.Info("remote track", f.log.Args("component", logging.WebRTC, "kind", track.Kind().String(), "codec", track.Codec().MimeType))
		if h.OnTrack != nil {
			h.OnTrack(call.RemoteTrack{ID: track.ID(), Kind: capture.Kind(track.Kind().String()), StreamID: track.StreamID()})
		}
		go p.consume(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("peer connection state", f.log.Args("component", logging.WebRTC, "state", s.String()))
		if h.OnStateChange != nil {
			h.OnStateChange(connState(s))
		}
	})
	return p, nil
}

func connState(s webrtc.PeerConnectionState) call.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnClosed
	default:
		return call.ConnNew
	}
}

// Peer wraps a pion PeerConnection. Remote candidates that arrive before the
// remote description are held back and applied once it is set.
type Peer struct {
	pc        *webrtc.PeerConnection
	log       *pterm.Logger
	recordDir string

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit

	closeOnce sync.Once
	closeErr  error
}

var _ call.Peer = (*Peer)(nil)

// localTrack is implemented by capture tracks backed by a pion track.
type localTrack interface {
	Local() webrtc.TrackLocal
}

func (p *Peer) AddStream(s *capture.Stream) error {
	for _, t := range s.Tracks() {
		lt, ok := t.(localTrack)
		if !ok {
			return fmt.Errorf("track %s cannot be sent", t.ID())
		}
		sender, err := p.pc.AddTrack(lt.Local())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		// Read and discard RTCP packets so interceptors keep working.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *Peer) CreateOffer(_ context.Context, iceRestart bool) (signaling.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return description(offer), nil
}

func (p *Peer) Answer(_ context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := p.SetRemoteDescription(offer); err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return description(answer), nil
}

func (p *Peer) SetRemoteDescription(d signaling.SessionDescription) error {
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("dropping buffered candidate", p.log.Args("component", logging.ICE, "error", err))
		}
	}
	return nil
}

func (p *Peer) AddICECandidate(c signaling.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// Pending reports how many remote candidates wait for a remote description.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
		if errors.Is(p.closeErr, webrtc.ErrConnectionClosed) {
			p.closeErr = nil
		}
	})
	return p.closeErr
}

func description(d webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}
