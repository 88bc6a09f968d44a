package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/simulation"
)

type staticSource struct{}

func (staticSource) Acquire(context.Context, capture.Constraints) (*capture.Stream, error) {
	return newStaticStream()
}

// trackingFactory remembers the peers it hands out.
type trackingFactory struct {
	*Factory

	mu    sync.Mutex
	peers []*Peer
}

func (f *trackingFactory) NewPeer(ctx context.Context, h call.PeerHandlers) (call.Peer, error) {
	p, err := f.Factory.NewPeer(ctx, h)
	if err == nil {
		f.mu.Lock()
		f.peers = append(f.peers, p.(*Peer))
		f.mu.Unlock()
	}
	return p, err
}

func (f *trackingFactory) all() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

type endObserver struct {
	call.NopObserver

	mu    sync.Mutex
	ended []call.Summary
}

func (o *endObserver) CallEnded(s call.Summary) {
	o.mu.Lock()
	o.ended = append(o.ended, s)
	o.mu.Unlock()
}

func (o *endObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ended)
}

type callParty struct {
	*call.Agent
	peers *trackingFactory
	obs   *endObserver
}

func newParty(t *testing.T, hub *simulation.Hub, id string) *callParty {
	t.Helper()
	f, err := NewFactory(nil, "", nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	p := &callParty{peers: &trackingFactory{Factory: f}, obs: &endObserver{}}
	p.Agent = call.NewAgent(call.Config{}, hub.Client(), staticSource{}, p.peers, p.obs)
	t.Cleanup(func() { p.Close() })
	if err := p.Register(id); err != nil {
		t.Fatalf("Register(%q) failed: %v", id, err)
	}
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func inState(p *callParty, s call.State) func() bool {
	return func() bool { return p.Session().State == s }
}

func TestAgentsConnectOverPion(t *testing.T) {
	hub := simulation.NewHub()
	alice, bob := newParty(t, hub, "alice"), newParty(t, hub, "bob")

	if err := alice.StartCall("bob"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	eventually(t, "bob ringing", inState(bob, call.Ringing))
	if err := bob.AcceptCall(); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	eventually(t, "alice connected", inState(alice, call.Connected))
	eventually(t, "bob connected", inState(bob, call.Connected))

	if n := len(alice.peers.all()); n != 1 {
		t.Errorf("alice created %d peer connections, want 1", n)
	}
	if n := len(bob.peers.all()); n != 1 {
		t.Errorf("bob created %d peer connections, want 1", n)
	}
	for _, p := range append(alice.peers.all(), bob.peers.all()...) {
		if p.Pending() != 0 {
			t.Errorf("%d candidates never applied", p.Pending())
		}
	}

	if err := alice.EndCall(); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if err := alice.EndCall(); err != nil {
		t.Fatalf("second EndCall failed: %v", err)
	}
	eventually(t, "bob idle", inState(bob, call.Idle))
	if alice.Session().State != call.Idle {
		t.Errorf("alice state = %s", alice.Session().State)
	}
	eventually(t, "both calls ended", func() bool { return alice.obs.count() == 1 && bob.obs.count() == 1 })

	for _, p := range append(alice.peers.all(), bob.peers.all()...) {
		eventually(t, "peer connection closed", func() bool {
			return p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
		})
	}
	time.Sleep(50 * time.Millisecond)
	if alice.obs.count() != 1 {
		t.Errorf("alice saw %d call endings, want 1", alice.obs.count())
	}
}
