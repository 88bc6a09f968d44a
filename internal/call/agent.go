// Package call implements call setup: registration, the initiator and
// responder flows, SDP negotiation and the inbound message router, driven by
// an explicit state machine.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/logging"
	"github.com/darkprince558/vcall/internal/signaling"
)

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNotRegistered  = errors.New("not registered")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoLocalStream  = errors.New("no local media")
	ErrClosed         = errors.New("agent closed")
)

const flushTimeout = 2 * time.Second

type Config struct {
	Namespace   string
	Constraints capture.Constraints
	Restart     RestartPolicy
	Logger      *pterm.Logger
}

// Agent is one participant. All call state is owned by a single event-loop
// goroutine: user commands are submitted to it and awaited, while broker
// messages and peer callbacks are queued in arrival order. Outbound messages
// are published in order by a separate sender goroutine.
type Agent struct {
	cfg    Config
	log    *pterm.Logger
	broker signaling.Broker
	source capture.Source
	peers  PeerFactory
	obs    Observer

	ctx    context.Context
	cancel context.CancelFunc

	loop   *queue
	out    *queue
	quit   chan struct{}
	done   chan struct{}
	sent   chan struct{}
	closed sync.Once

	// Owned by the loop.
	id        string
	session   Session
	gen       uint64
	peer      Peer
	local     *capture.Stream
	restart   *restarter
	restartAt *time.Timer

	snapMu sync.Mutex
	snapID string
	snap   Session
}

// NewAgent starts the event loop. obs may be nil.
func NewAgent(cfg Config, broker signaling.Broker, src capture.Source, peers PeerFactory, obs Observer) *Agent {
	if cfg.Namespace == "" {
		cfg.Namespace = signaling.DefaultNamespace
	}
	if cfg.Constraints.Video == nil && cfg.Constraints.Audio == nil {
		cfg.Constraints = capture.DefaultConstraints()
	}
	cfg.Restart = cfg.Restart.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if obs == nil {
		obs = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:    cfg,
		log:    cfg.Logger,
		broker: broker,
		source: src,
		peers:  peers,
		obs:    obs,
		ctx:    ctx,
		cancel: cancel,
		loop:   newQueue(),
		out:    newQueue(),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		sent:   make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		a.loop.run(a.quit)
	}()
	go func() {
		defer close(a.sent)
		a.out.run(a.done)
	}()
	return a
}

// do runs fn on the loop and waits for its result.
func (a *Agent) do(fn func() error) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	errc := make(chan error, 1)
	a.loop.push(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-a.done:
		return ErrClosed
	}
}

// enqueue runs fn on the loop if the session generation is still g.
func (a *Agent) enqueue(g uint64, what string, fn func()) {
	a.loop.push(func() {
		if g != a.gen {
			a.log.Debug("ignoring stale callback", a.log.Args("component", logging.Call, "callback", what))
			return
		}
		fn()
	})
}

// ID returns the registered id, or "" before Register.
func (a *Agent) ID() string {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	return a.snapID
}

// Session returns a snapshot of the current call session. It is safe to call
// from any goroutine.
func (a *Agent) Session() Session {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	return a.snap
}

func (a *Agent) topic(id string) string { return signaling.Topic(a.cfg.Namespace, id) }

// Register subscribes to the agent's own channel. Re-registering the same id
// is a no-op; a new id replaces the subscription while idle.
func (a *Agent) Register(id string) error {
	if err := signaling.ValidateID(id); err != nil {
		return err
	}
	return a.do(func() error {
		if id == a.id {
			return nil
		}
		if a.session.Active() {
			return ErrBusy
		}
		if err := a.broker.Subscribe(a.topic(id), a.HandleMessage); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
		if a.id != "" {
			if err := a.broker.Unsubscribe(a.topic(a.id)); err != nil {
				a.log.Warn("unsubscribe failed", a.log.Args("component", logging.MQTT, "id", a.id, "error", err))
			}
		}
		a.id = id
		a.snapMu.Lock()
		a.snapID = id
		a.snapMu.Unlock()
		a.log.Info("registered", a.log.Args("component", logging.Call, "id", id, "topic", a.topic(id)))
		return nil
	})
}

// StartCall calls target. Calling one's own id starts a loopback session
// without any signaling.
func (a *Agent) StartCall(target string) error {
	if err := signaling.ValidateID(target); err != nil {
		return err
	}
	var (
		sent <-chan error
		gen  uint64
	)
	err := a.do(func() error {
		if a.id == "" {
			return ErrNotRegistered
		}
		if a.session.Active() {
			return ErrBusy
		}
		if target == a.id {
			return a.startLoopback()
		}
		if !a.transition(EventDial) {
			return ErrBusy
		}
		a.session = Session{State: Requesting, PeerID: target, IsInitiator: true, Started: time.Now()}
		a.changed()
		gen = a.gen
		a.log.Info("calling", a.log.Args("component", logging.Call, "peer", target))
		sent = a.send(target, signaling.CallRequest(a.id))
		return nil
	})
	if err != nil || sent == nil {
		return err
	}
	if err := <-sent; err != nil {
		a.do(func() error {
			if a.gen == gen {
				a.teardown(EventFailure, signaling.ReasonConnectionFailed, false, err)
			}
			return nil
		})
		return fmt.Errorf("call request to %s: %w", target, err)
	}
	return nil
}

func (a *Agent) startLoopback() error {
	stream, err := a.source.Acquire(a.ctx, a.cfg.Constraints)
	if err != nil {
		return err
	}
	if !a.transition(EventLoopback) {
		stream.Stop()
		return ErrBusy
	}
	now := time.Now()
	a.local = stream
	a.session = Session{State: Connected, PeerID: a.id, IsInitiator: true, Loopback: true, Started: now, Connected: now}
	a.log.Info("loopback call started", a.log.Args("component", logging.Call))
	a.obs.LocalStream(stream)
	for _, t := range stream.Tracks() {
		a.obs.RemoteTrack(RemoteTrack{ID: t.ID(), Kind: t.Kind(), StreamID: stream.ID()})
	}
	a.changed()
	return nil
}

// AcceptCall answers the ringing call: it acquires media, prepares the peer
// connection and sends call_accepted.
func (a *Agent) AcceptCall() error {
	return a.do(func() error {
		if a.session.State != Ringing {
			return ErrNoIncomingCall
		}
		peer := a.session.PeerID
		if err := a.acquire(); err != nil {
			a.send(peer, signaling.CallRejected(a.id, signaling.ReasonMediaError))
			a.teardown(EventFailure, signaling.ReasonMediaError, false, err)
			return err
		}
		if err := a.openPeer(); err != nil {
			a.send(peer, signaling.CallRejected(a.id, signaling.ReasonNegotiation))
			a.teardown(EventFailure, signaling.ReasonNegotiation, false, err)
			return err
		}
		a.transition(EventAccept)
		a.changed()
		a.send(peer, signaling.CallAccepted(a.id))
		a.log.Info("call accepted", a.log.Args("component", logging.Call, "peer", peer))
		return nil
	})
}

// RejectCall declines the ringing call without touching media devices.
func (a *Agent) RejectCall() error {
	return a.do(func() error {
		if a.session.State != Ringing {
			return ErrNoIncomingCall
		}
		a.send(a.session.PeerID, signaling.CallRejected(a.id, signaling.ReasonDeclined))
		a.teardown(EventReject, signaling.ReasonDeclined, false, nil)
		return nil
	})
}

// EndCall hangs up. It is a no-op when no call is active.
func (a *Agent) EndCall() error {
	return a.do(func() error {
		a.hangup()
		return nil
	})
}

func (a *Agent) hangup() {
	if !a.session.Active() {
		return
	}
	if !a.session.Loopback {
		a.send(a.session.PeerID, signaling.CallEnded(a.id, signaling.ReasonHangup))
	}
	a.teardown(EventHangup, signaling.ReasonHangup, false, nil)
}

// ToggleAudio mutes or unmutes the microphone and reports whether it is on.
func (a *Agent) ToggleAudio() (bool, error) { return a.toggle(capture.KindAudio) }

// ToggleVideo turns the camera off or on and reports whether it is on.
func (a *Agent) ToggleVideo() (bool, error) { return a.toggle(capture.KindVideo) }

func (a *Agent) toggle(k capture.Kind) (bool, error) {
	var on bool
	err := a.do(func() error {
		if a.local == nil {
			return ErrNoLocalStream
		}
		var err error
		on, err = a.local.Toggle(k)
		if err == nil {
			a.log.Info("track toggled", a.log.Args("component", logging.Media, "kind", k, "enabled", on))
		}
		return err
	})
	return on, err
}

// Close hangs up any active call, leaves the channel and stops the loop.
func (a *Agent) Close() error {
	a.closed.Do(func() {
		a.do(func() error {
			a.hangup()
			if a.id != "" {
				if err := a.broker.Unsubscribe(a.topic(a.id)); err != nil {
					a.log.Warn("unsubscribe failed", a.log.Args("component", logging.MQTT, "error", err))
				}
			}
			return nil
		})
		flushed := make(chan struct{})
		a.out.push(func() { close(flushed) })
		select {
		case <-flushed:
		case <-time.After(flushTimeout):
			a.log.Warn("timed out flushing outbound messages", a.log.Args("component", logging.MQTT))
		}
		a.cancel()
		close(a.quit)
		<-a.done
		<-a.sent
	})
	return nil
}

// HandleMessage is the broker handler for the agent's channel. It may be
// called from any goroutine; messages are processed in arrival order.
func (a *Agent) HandleMessage(topic string, payload []byte) {
	m, err := signaling.Parse(payload)
	a.loop.push(func() {
		if topic != a.topic(a.id) {
			a.log.Debug("message for another channel", a.log.Args("component", logging.MQTT, "topic", topic))
			return
		}
		if err != nil {
			a.log.Warn("dropping invalid message", a.log.Args("component", logging.MQTT, "error", err))
			return
		}
		a.route(m)
	})
}

func (a *Agent) route(m signaling.Message) {
	if m.From != "" && m.From == a.id {
		a.log.Debug("dropping own message", a.log.Args("component", logging.MQTT, "type", m.Type))
		return
	}
	a.log.Debug("received", a.log.Args("component", logging.MQTT, "type", m.Type, "from", m.From))

	switch m.Type {
	case signaling.TypeCallRequest:
		a.onCallRequest(m)
	case signaling.TypeCallAccepted:
		a.onCallAccepted(m)
	case signaling.TypeCallRejected:
		a.onCallRejected(m)
	case signaling.TypeCallEnded:
		a.onCallEnded(m)
	case signaling.TypeOffer:
		a.onOffer(m)
	case signaling.TypeAnswer:
		a.onAnswer(m)
	case signaling.TypeCandidate:
		a.onCandidate(m)
	}
}

func (a *Agent) fromPeer(m signaling.Message) bool {
	return a.session.Active() && m.From == a.session.PeerID
}

func (a *Agent) drop(m signaling.Message, why string) {
	a.log.Debug("dropping message", a.log.Args(
		"component", logging.Call, "type", m.Type, "from", m.From,
		"state", a.session.State, "reason", why))
}

func (a *Agent) onCallRequest(m signaling.Message) {
	switch {
	case !a.session.Active():
		a.transition(EventIncoming)
		a.session = Session{State: Ringing, PeerID: m.From, Started: time.Now()}
		a.log.Info("incoming call", a.log.Args("component", logging.Call, "from", m.From))
		a.changed()
		a.obs.IncomingCall(m.From)
	case a.session.State == Ringing && m.From == a.session.PeerID:
		a.drop(m, "duplicate request")
	default:
		a.log.Info("rejecting call while busy", a.log.Args("component", logging.Call, "from", m.From))
		a.send(m.From, signaling.CallRejected(a.id, signaling.ReasonBusy))
	}
}

func (a *Agent) onCallAccepted(m signaling.Message) {
	if !a.fromPeer(m) || a.session.State != Requesting {
		a.drop(m, "no pending request")
		return
	}
	peer := a.session.PeerID
	a.transition(EventAccepted)
	a.changed()

	if err := a.acquire(); err != nil {
		a.send(peer, signaling.CallEnded(a.id, signaling.ReasonMediaError))
		a.teardown(EventFailure, signaling.ReasonMediaError, false, err)
		a.obs.Error(err)
		return
	}
	if err := a.openPeer(); err != nil {
		a.failNegotiation(err)
		return
	}
	offer, err := a.peer.CreateOffer(a.ctx, false)
	if err != nil {
		a.failNegotiation(err)
		return
	}
	a.send(peer, signaling.Offer(a.id, offer))
	a.log.Info("offer sent", a.log.Args("component", logging.WebRTC, "peer", peer))
}

// failNegotiation ends a call that cannot build a connection at all.
func (a *Agent) failNegotiation(err error) {
	a.log.Error("negotiation failed", a.log.Args("component", logging.WebRTC, "error", err))
	a.send(a.session.PeerID, signaling.CallEnded(a.id, signaling.ReasonNegotiation))
	a.teardown(EventFailure, signaling.ReasonNegotiation, false, err)
}

func (a *Agent) onCallRejected(m signaling.Message) {
	if !a.fromPeer(m) || a.session.State != Requesting {
		a.drop(m, "no pending request")
		return
	}
	reason := m.Reason
	if reason == "" {
		reason = signaling.ReasonDeclined
	}
	a.log.Info("call rejected", a.log.Args("component", logging.Call, "peer", m.From, "reason", reason))
	a.obs.CallRejected(m.From, reason)
	a.teardown(EventRejected, reason, true, nil)
}

func (a *Agent) onCallEnded(m signaling.Message) {
	if !a.fromPeer(m) || a.session.Loopback {
		a.drop(m, "not in a call with sender")
		return
	}
	reason := m.Reason
	if reason == "" {
		reason = signaling.ReasonHangup
	}
	a.log.Info("call ended by peer", a.log.Args("component", logging.Call, "peer", m.From, "reason", reason))
	a.teardown(EventRemoteHangup, reason, true, nil)
}

func (a *Agent) negotiating() bool {
	return !a.session.Loopback && (a.session.State == Negotiating || a.session.State == Connected)
}

func (a *Agent) onOffer(m signaling.Message) {
	if !a.fromPeer(m) || !a.negotiating() {
		a.drop(m, "offer outside negotiation")
		return
	}
	if a.peer == nil {
		if err := a.openPeer(); err != nil {
			a.log.Error("cannot create peer connection", a.log.Args("component", logging.WebRTC, "error", err))
			return
		}
	}
	answer, err := a.peer.Answer(a.ctx, *m.SDP)
	if err != nil {
		a.log.Warn("cannot answer offer", a.log.Args("component", logging.WebRTC, "error", err))
		return
	}
	a.transition(EventOffer)
	a.send(m.From, signaling.Answer(a.id, answer))
	a.log.Info("answer sent", a.log.Args("component", logging.WebRTC, "peer", m.From))
}

func (a *Agent) onAnswer(m signaling.Message) {
	if !a.fromPeer(m) || !a.negotiating() || !a.session.IsInitiator || a.peer == nil {
		a.drop(m, "unexpected answer")
		return
	}
	if err := a.peer.SetRemoteDescription(*m.SDP); err != nil {
		a.log.Warn("cannot apply answer", a.log.Args("component", logging.WebRTC, "error", err))
		return
	}
	a.transition(EventAnswer)
	a.log.Info("answer applied", a.log.Args("component", logging.WebRTC, "peer", m.From))
}

func (a *Agent) onCandidate(m signaling.Message) {
	if m.From != "" && !a.fromPeer(m) {
		a.drop(m, "candidate from stranger")
		return
	}
	if a.peer == nil || !a.negotiating() {
		// Candidates may race ahead of the connection.
		a.drop(m, "no connection")
		return
	}
	if err := a.peer.AddICECandidate(*m.Candidate); err != nil {
		a.log.Warn("cannot add candidate", a.log.Args("component", logging.ICE, "error", err))
		return
	}
	a.transition(EventCandidate)
}

func (a *Agent) acquire() error {
	if a.local != nil {
		return nil
	}
	stream, err := a.source.Acquire(a.ctx, a.cfg.Constraints)
	if err != nil {
		a.log.Error("media acquisition failed", a.log.Args("component", logging.Media, "error", err))
		return err
	}
	a.local = stream
	a.obs.LocalStream(stream)
	return nil
}

func (a *Agent) openPeer() error {
	g := a.gen
	p, err := a.peers.NewPeer(a.ctx, PeerHandlers{
		OnCandidate: func(c signaling.ICECandidate) {
			a.enqueue(g, "candidate", func() { a.onLocalCandidate(c) })
		},
		OnTrack: func(t RemoteTrack) {
			a.enqueue(g, "track", func() { a.onRemoteTrack(t) })
		},
		OnStateChange: func(s ConnState) {
			a.enqueue(g, "state", func() { a.onConnState(s) })
		},
	})
	if err != nil {
		return err
	}
	if a.local != nil {
		if err := p.AddStream(a.local); err != nil {
			p.Close()
			return err
		}
	}
	a.peer = p
	return nil
}

func (a *Agent) onLocalCandidate(c signaling.ICECandidate) {
	if !a.session.Active() || a.session.Loopback {
		return
	}
	a.send(a.session.PeerID, signaling.Candidate(a.id, c))
}

func (a *Agent) onRemoteTrack(t RemoteTrack) {
	a.log.Info("remote track", a.log.Args("component", logging.WebRTC, "kind", t.Kind, "id", t.ID))
	a.obs.RemoteTrack(t)
	a.mediaFlowing()
}

func (a *Agent) mediaFlowing() {
	was := a.session.State
	if !a.transition(EventMediaFlowing) {
		return
	}
	if a.session.Connected.IsZero() {
		a.session.Connected = time.Now()
	}
	if was != Connected {
		a.log.Info("call connected", a.log.Args("component", logging.Call, "peer", a.session.PeerID))
		a.changed()
	}
}

func (a *Agent) onConnState(s ConnState) {
	a.log.Debug("connection state", a.log.Args("component", logging.ICE, "state", s))
	switch s {
	case ConnConnected:
		if a.restart != nil {
			a.restart.reset()
		}
		a.stopRestartTimer()
		a.mediaFlowing()
	case ConnDisconnected:
		if a.session.State == Connected && a.transition(EventConnectionLost) {
			a.changed()
		}
	case ConnFailed:
		if a.session.State == Connected && a.transition(EventConnectionLost) {
			a.changed()
		}
		if a.session.IsInitiator && a.session.State == Negotiating {
			a.scheduleRestart()
		}
	}
}

func (a *Agent) scheduleRestart() {
	if a.restartAt != nil {
		return
	}
	if a.restart == nil {
		a.restart = a.cfg.Restart.restarter()
	}
	delay, ok := a.restart.next()
	if !ok {
		a.log.Error("connection failed, giving up", a.log.Args("component", logging.ICE, "attempts", a.cfg.Restart.MaxAttempts))
		a.send(a.session.PeerID, signaling.CallEnded(a.id, signaling.ReasonConnectionFailed))
		a.teardown(EventFailure, signaling.ReasonConnectionFailed, false, nil)
		return
	}
	a.log.Warn("connection failed, restarting ice", a.log.Args("component", logging.ICE, "in", delay, "attempt", a.restart.attempts))
	g := a.gen
	a.restartAt = time.AfterFunc(delay, func() {
		a.enqueue(g, "ice restart", a.restartICE)
	})
}

func (a *Agent) stopRestartTimer() {
	if a.restartAt != nil {
		a.restartAt.Stop()
		a.restartAt = nil
	}
}

func (a *Agent) restartICE() {
	a.restartAt = nil
	if a.peer == nil || a.session.State != Negotiating {
		return
	}
	offer, err := a.peer.CreateOffer(a.ctx, true)
	if err != nil {
		a.log.Warn("ice restart offer failed", a.log.Args("component", logging.ICE, "error", err))
		a.scheduleRestart()
		return
	}
	a.send(a.session.PeerID, signaling.Offer(a.id, offer))
}

// transition applies e to the session state, logging rejected events.
func (a *Agent) transition(e Event) bool {
	next, err := Transition(a.session.State, e)
	if err != nil {
		a.log.Warn("ignoring event", a.log.Args("component", logging.Call, "error", err))
		return false
	}
	a.session.State = next
	return true
}

// changed publishes the session snapshot and notifies the observer.
func (a *Agent) changed() {
	a.snapMu.Lock()
	a.snap = a.session
	a.snapMu.Unlock()
	a.obs.StateChanged(a.session)
}

// teardown stops local media, closes the connection and clears the session.
// Callbacks registered for the old session are ignored afterwards.
func (a *Agent) teardown(e Event, reason string, remote bool, cause error) {
	if !a.session.Active() {
		return
	}
	a.transition(e)
	a.stopRestartTimer()
	if a.local != nil {
		a.local.Stop()
		a.local = nil
	}
	if a.peer != nil {
		if err := a.peer.Close(); err != nil {
			a.log.Debug("closing peer connection", a.log.Args("component", logging.WebRTC, "error", err))
		}
		a.peer = nil
	}
	sum := Summary{
		PeerID:    a.session.PeerID,
		Role:      a.session.Role(),
		Started:   a.session.Started,
		Connected: a.session.Connected,
		Ended:     time.Now(),
		Reason:    reason,
		Remote:    remote,
		Err:       cause,
	}
	a.gen++
	a.restart = nil
	a.session = Session{}
	a.log.Info("call ended", a.log.Args("component", logging.Call, "peer", sum.PeerID, "reason", reason))
	a.changed()
	a.obs.CallEnded(sum)
}

// send publishes m on to's channel from the sender goroutine. The returned
// channel receives the publish result.
func (a *Agent) send(to string, m signaling.Message) <-chan error {
	res := make(chan error, 1)
	data, err := signaling.Encode(m)
	if err != nil {
		a.log.Error("cannot encode message", a.log.Args("component", logging.MQTT, "type", m.Type, "error", err))
		res <- err
		return res
	}
	topic := a.topic(to)
	a.out.push(func() {
		err := a.broker.Publish(topic, data)
		if err != nil {
			a.log.Warn("publish failed", a.log.Args("component", logging.MQTT, "type", m.Type, "topic", topic, "error", err))
		}
		res <- err
	})
	return res
}

// queue is an unbounded FIFO of work run by a single goroutine.
type queue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(f func()) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) run(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-q.wake:
			for _, f := range q.take() {
				f()
			}
		}
	}
}
