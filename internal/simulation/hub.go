// Package simulation provides in-memory stand-ins for the signaling broker,
// used by tests and by the loopback demo.
package simulation

import (
	"errors"
	"sync"

	"github.com/darkprince558/vcall/internal/signaling"
)

var ErrClientClosed = errors.New("simulated client closed")

// Published is one message seen by the hub.
type Published struct {
	Topic   string
	Payload []byte
}

// Hub is an in-memory MQTT-like broker with exact-topic routing. Each
// subscription gets its own delivery goroutine, so handlers see messages in
// publish order without blocking publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*subscription
	seen []Published
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*subscription)}
}

// Client returns a new broker connection on the hub.
func (h *Hub) Client() *Client {
	return &Client{hub: h, subs: make(map[string]*subscription)}
}

// Log returns every message published so far.
func (h *Hub) Log() []Published {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Published, len(h.seen))
	copy(out, h.seen)
	return out
}

// Messages returns the parsed messages published on topic. Unparseable
// payloads are skipped.
func (h *Hub) Messages(topic string) []signaling.Message {
	var out []signaling.Message
	for _, p := range h.Log() {
		if p.Topic != topic {
			continue
		}
		if m, err := signaling.Parse(p.Payload); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Subscribers reports how many subscriptions exist on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *Hub) publish(topic string, payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)

	h.mu.Lock()
	h.seen = append(h.seen, Published{Topic: topic, Payload: data})
	targets := append([]*subscription(nil), h.subs[topic]...)
	h.mu.Unlock()

	for _, s := range targets {
		s.push(topic, data)
	}
}

func (h *Hub) add(topic string, s *subscription) {
	h.mu.Lock()
	h.subs[topic] = append(h.subs[topic], s)
	h.mu.Unlock()
}

func (h *Hub) remove(topic string, s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[topic]
	for i, x := range list {
		if x == s {
			h.subs[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
}

// Client is one connection to a Hub. It implements signaling.Broker.
type Client struct {
	hub *Hub

	mu         sync.Mutex
	subs       map[string]*subscription
	publishErr error
	closed     bool
}

var _ signaling.Broker = (*Client)(nil)

// FailPublishes makes every later Publish return err. Nil restores delivery.
func (c *Client) FailPublishes(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

func (c *Client) Subscribe(topic string, h signaling.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if old, ok := c.subs[topic]; ok {
		c.hub.remove(topic, old)
		old.stop()
	}
	s := newSubscription(h)
	c.subs[topic] = s
	c.hub.add(topic, s)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	s, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		c.hub.remove(topic, s)
		s.stop()
	}
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	err, closed := c.publishErr, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if err != nil {
		return err
	}
	c.hub.publish(topic, payload)
	return nil
}

// Close drops all subscriptions of the client.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.closed = true
	c.mu.Unlock()
	for topic, s := range subs {
		c.hub.remove(topic, s)
		s.stop()
	}
}

type delivery struct {
	topic   string
	payload []byte
}

type subscription struct {
	handler signaling.Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	stopped bool
}

func newSubscription(h signaling.Handler) *subscription {
	s := &subscription{handler: h}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscription) push(topic string, payload []byte) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, delivery{topic, payload})
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(d.topic, d.payload)
	}
}
