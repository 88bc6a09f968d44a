package simulation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/darkprince558/vcall/internal/signaling"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) handle(_ string, payload []byte) {
	r.mu.Lock()
	r.got = append(r.got, string(payload))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub()
	sub, pub := hub.Client(), hub.Client()
	rec := &recorder{}
	if err := sub.Subscribe("vchat/bob", rec.handle); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		if err := pub.Publish("vchat/bob", []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	pub.Publish("vchat/alice", []byte("elsewhere"))

	waitFor(t, func() bool { return len(rec.snapshot()) == 100 })
	for i, s := range rec.snapshot() {
		if s != fmt.Sprint(i) {
			t.Fatalf("message %d = %q, out of order", i, s)
		}
	}
	if n := len(hub.Log()); n != 101 {
		t.Errorf("Log has %d entries, want 101", n)
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	c := hub.Client()
	rec := &recorder{}
	c.Subscribe("t", rec.handle)
	c.Unsubscribe("t")
	if hub.Subscribers("t") != 0 {
		t.Fatal("subscription still registered")
	}
	hub.Client().Publish("t", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	if len(rec.snapshot()) != 0 {
		t.Error("delivered after unsubscribe")
	}
}

func TestHubResubscribeReplacesHandler(t *testing.T) {
	hub := NewHub()
	c := hub.Client()
	first, second := &recorder{}, &recorder{}
	c.Subscribe("t", first.handle)
	c.Subscribe("t", second.handle)
	if hub.Subscribers("t") != 1 {
		t.Fatalf("Subscribers = %d, want 1", hub.Subscribers("t"))
	}
	hub.Client().Publish("t", []byte("x"))
	waitFor(t, func() bool { return len(second.snapshot()) == 1 })
	if len(first.snapshot()) != 0 {
		t.Error("replaced handler still receives")
	}
}

func TestClientFailPublishes(t *testing.T) {
	hub := NewHub()
	c := hub.Client()
	boom := errors.New("broker down")
	c.FailPublishes(boom)
	if err := c.Publish("t", nil); !errors.Is(err, boom) {
		t.Errorf("Publish error = %v, want %v", err, boom)
	}
	c.Close()
	if err := c.Publish("t", nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Publish after Close = %v, want ErrClientClosed", err)
	}
}

func TestLossyBrokerDropsEverything(t *testing.T) {
	hub := NewHub()
	lossy := NewLossyBroker(hub.Client(), 1.0, 0)
	for i := 0; i < 10; i++ {
		if err := lossy.Publish("t", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if len(hub.Log()) != 0 {
		t.Errorf("expected all messages dropped, hub saw %d", len(hub.Log()))
	}
	lossy.SetLossRate(0)
	lossy.Publish("t", []byte("x"))
	if len(hub.Log()) != 1 {
		t.Error("expected delivery after loss disabled")
	}
}

func TestLossyBrokerDelays(t *testing.T) {
	hub := NewHub()
	lossy := NewLossyBroker(hub.Client(), 0, 30*time.Millisecond)
	lossy.Publish("t", []byte("x"))
	if len(hub.Log()) != 0 {
		t.Fatal("message arrived without delay")
	}
	waitFor(t, func() bool { return len(hub.Log()) == 1 })
}

func TestLossyBrokerDelayKeepsOrder(t *testing.T) {
	hub := NewHub()
	rec := &recorder{}
	hub.Client().Subscribe("t", rec.handle)
	lossy := NewLossyBroker(hub.Client(), 0, 5*time.Millisecond)
	for i := 0; i < 50; i++ {
		lossy.Publish("t", []byte(fmt.Sprint(i)))
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 50 })
	for i, s := range rec.snapshot() {
		if s != fmt.Sprint(i) {
			t.Fatalf("message %d = %q, out of order", i, s)
		}
	}
}

func encode(t *testing.T, m signaling.Message) []byte {
	t.Helper()
	data, err := signaling.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func byType(mt signaling.MessageType) Match {
	return func(_ string, m signaling.Message) bool { return m.Type == mt }
}

func TestLossyBrokerDropIf(t *testing.T) {
	hub := NewHub()
	lossy := NewLossyBroker(hub.Client(), 0, 0)
	lossy.DropIf(byType(signaling.TypeCallAccepted))

	if err := lossy.Publish("vchat/alice", encode(t, signaling.CallAccepted("bob"))); err != nil {
		t.Fatal(err)
	}
	lossy.Publish("vchat/alice", encode(t, signaling.CallEnded("bob", signaling.ReasonHangup)))

	msgs := hub.Messages("vchat/alice")
	if len(msgs) != 1 || msgs[0].Type != signaling.TypeCallEnded {
		t.Errorf("hub saw %+v, want only call_ended", msgs)
	}
}

func TestLossyBrokerHoldAndRelease(t *testing.T) {
	hub := NewHub()
	lossy := NewLossyBroker(hub.Client(), 0, 0)
	lossy.HoldIf(byType(signaling.TypeOffer))

	sdp := signaling.SessionDescription{Type: "offer", SDP: "v=0"}
	lossy.Publish("vchat/bob", encode(t, signaling.Offer("alice", sdp)))
	lossy.Publish("vchat/bob", encode(t, signaling.Candidate("alice", signaling.ICECandidate{Candidate: "c1"})))
	if msgs := hub.Messages("vchat/bob"); len(msgs) != 1 || msgs[0].Type != signaling.TypeCandidate {
		t.Fatalf("before release hub saw %+v", msgs)
	}

	if err := lossy.Release(); err != nil {
		t.Fatal(err)
	}
	msgs := hub.Messages("vchat/bob")
	if len(msgs) != 2 || msgs[1].Type != signaling.TypeOffer {
		t.Fatalf("after release hub saw %+v", msgs)
	}
	lossy.Publish("vchat/bob", encode(t, signaling.Offer("alice", sdp)))
	if n := len(hub.Messages("vchat/bob")); n != 3 {
		t.Errorf("offers still held after release, hub has %d", n)
	}
}
