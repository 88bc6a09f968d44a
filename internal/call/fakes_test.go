package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/signaling"
	"github.com/darkprince558/vcall/internal/simulation"
)

type fakeTrack struct {
	id      string
	kind    capture.Kind
	enabled atomic.Bool
	stops   atomic.Int32
}

func (t *fakeTrack) ID() string         { return t.id }
func (t *fakeTrack) Kind() capture.Kind { return t.kind }
func (t *fakeTrack) Enabled() bool      { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *fakeTrack) Stop()              { t.stops.Add(1) }

type fakeSource struct {
	mu       sync.Mutex
	err      error
	acquired int
	tracks   []*fakeTrack
}

func (s *fakeSource) Acquire(_ context.Context, _ capture.Constraints) (*capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++
	a := &fakeTrack{id: fmt.Sprintf("audio-%d", s.acquired), kind: capture.KindAudio}
	v := &fakeTrack{id: fmt.Sprintf("video-%d", s.acquired), kind: capture.KindVideo}
	a.enabled.Store(true)
	v.enabled.Store(true)
	s.tracks = append(s.tracks, a, v)
	return capture.NewStream(fmt.Sprintf("stream-%d", s.acquired), a, v), nil
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// allStopped reports whether every acquired track was stopped exactly once.
func (s *fakeSource) allStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.stops.Load() != 1 {
			return false
		}
	}
	return len(s.tracks) > 0
}

// fakePeer pretends media starts flowing once a remote description is in
// place, and reports one host candidate per local description.
type fakePeer struct {
	h PeerHandlers

	mu         sync.Mutex
	streams    int
	offers     int
	restarts   int
	answers    int
	remote     []signaling.SessionDescription
	candidates []signaling.ICECandidate
	closes     int
	connected  bool
	onRestart  func(p *fakePeer)
}

func (p *fakePeer) AddStream(*capture.Stream) error {
	p.mu.Lock()
	p.streams++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(_ context.Context, restart bool) (signaling.SessionDescription, error) {
	p.mu.Lock()
	p.offers++
	if restart {
		p.restarts++
	}
	hook := p.onRestart
	p.mu.Unlock()
	go p.h.OnCandidate(hostCandidate("offerer"))
	if restart && hook != nil {
		go hook(p)
	}
	return signaling.SessionDescription{Type: "offer", SDP: "v=0 fake offer"}, nil
}

func (p *fakePeer) Answer(_ context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	p.mu.Lock()
	p.answers++
	p.remote = append(p.remote, offer)
	p.mu.Unlock()
	go p.h.OnCandidate(hostCandidate("answerer"))
	p.connectOnce()
	return signaling.SessionDescription{Type: "answer", SDP: "v=0 fake answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(d signaling.SessionDescription) error {
	p.mu.Lock()
	p.remote = append(p.remote, d)
	p.mu.Unlock()
	p.connectOnce()
	return nil
}

func (p *fakePeer) connectOnce() {
	p.mu.Lock()
	first := !p.connected
	p.connected = true
	p.mu.Unlock()
	if first {
		go func() {
			p.h.OnStateChange(ConnConnected)
			p.h.OnTrack(RemoteTrack{ID: "remote-video", Kind: capture.KindVideo, StreamID: "remote"})
		}()
	}
}

func (p *fakePeer) AddICECandidate(c signaling.ICECandidate) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) stats() (offers, restarts, answers, closes, candidates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.restarts, p.answers, p.closes, len(p.candidates)
}

func hostCandidate(tag string) signaling.ICECandidate {
	mid := "0"
	var idx uint16
	return signaling.ICECandidate{
		Candidate:     "candidate:1 1 udp 2122260223 192.0.2.1 50000 typ host " + tag,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

type fakeFactory struct {
	mu        sync.Mutex
	peers     []*fakePeer
	onRestart func(p *fakePeer)
}

func (f *fakeFactory) NewPeer(_ context.Context, h PeerHandlers) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{h: h, onRestart: f.onRestart}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type recorder struct {
	NopObserver

	mu       sync.Mutex
	states   []Session
	incoming []string
	rejected []string
	ended    []Summary
	errs     []error
	remote   []RemoteTrack
	locals   int
}

func (r *recorder) StateChanged(s Session) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) IncomingCall(from string) {
	r.mu.Lock()
	r.incoming = append(r.incoming, from)
	r.mu.Unlock()
}

func (r *recorder) LocalStream(*capture.Stream) {
	r.mu.Lock()
	r.locals++
	r.mu.Unlock()
}

func (r *recorder) RemoteTrack(t RemoteTrack) {
	r.mu.Lock()
	r.remote = append(r.remote, t)
	r.mu.Unlock()
}

func (r *recorder) CallRejected(peer, reason string) {
	r.mu.Lock()
	r.rejected = append(r.rejected, peer+":"+reason)
	r.mu.Unlock()
}

func (r *recorder) CallEnded(s Summary) {
	r.mu.Lock()
	r.ended = append(r.ended, s)
	r.mu.Unlock()
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) endedCalls() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Summary(nil), r.ended...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) incomingCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.incoming...)
}

func (r *recorder) rejections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rejected...)
}

func (r *recorder) remoteTracks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.remote)
}

// participant bundles an agent with its fakes.
type participant struct {
	*Agent
	client *simulation.Client
	source *fakeSource
	peers  *fakeFactory
	obs    *recorder
}

func newParticipant(t *testing.T, hub *simulation.Hub, id string, policy RestartPolicy) *participant {
	t.Helper()
	c := hub.Client()
	return startParticipant(t, c, c, id, policy)
}

// newLossyParticipant publishes through a LossyBroker the test can steer.
func newLossyParticipant(t *testing.T, hub *simulation.Hub, id string) (*participant, *simulation.LossyBroker) {
	t.Helper()
	c := hub.Client()
	link := simulation.NewLossyBroker(c, 0, 0)
	return startParticipant(t, c, link, id, RestartPolicy{}), link
}

func startParticipant(t *testing.T, c *simulation.Client, broker signaling.Broker, id string, policy RestartPolicy) *participant {
	t.Helper()
	p := &participant{
		client: c,
		source: &fakeSource{},
		peers:  &fakeFactory{},
		obs:    &recorder{},
	}
	p.Agent = NewAgent(Config{Restart: policy}, broker, p.source, p.peers, p.obs)
	t.Cleanup(func() { p.Close() })
	if id != "" {
		require.NoError(t, p.Register(id))
	}
	return p
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func requireState(t *testing.T, p *participant, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Session().State == s }, waitFor, tick,
		"%s never reached %s (at %s)", p.ID(), s, p.Session().State)
}

// countType counts messages of one type published on topic.
func countType(hub *simulation.Hub, topic string, mt signaling.MessageType) int {
	n := 0
	for _, m := range hub.Messages(topic) {
		if m.Type == mt {
			n++
		}
	}
	return n
}

// inject publishes a raw message on topic as an outside client would.
func inject(t *testing.T, hub *simulation.Hub, topic string, m signaling.Message) {
	t.Helper()
	data, err := signaling.Encode(m)
	require.NoError(t, err)
	require.NoError(t, hub.Client().Publish(topic, data))
}
