package simulation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/darkprince558/vcall/internal/signaling"
)

// Match selects published messages by topic and decoded content. Payloads
// that do not parse are passed as the zero Message.
type Match func(topic string, m signaling.Message) bool

// LossyBroker wraps a signaling.Broker and injects loss/latency on publish,
// the way a flaky public broker behaves. Delayed messages keep their publish
// order.
type LossyBroker struct {
	signaling.Broker

	mu       sync.Mutex
	lossRate float64       // 0.0 to 1.0 (e.g. 0.2 = 20% loss)
	latency  time.Duration // Fixed latency per message
	rand     *rand.Rand
	drop     Match
	hold     Match
	held     []outgoing

	start sync.Once
	queue chan outgoing
}

type outgoing struct {
	topic   string
	payload []byte
	due     time.Time
}

func NewLossyBroker(b signaling.Broker, lossRate float64, latency time.Duration) *LossyBroker {
	return &LossyBroker{
		Broker:   b,
		lossRate: lossRate,
		latency:  latency,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *LossyBroker) SetLossRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lossRate = rate
}

// DropIf silently discards every message that matches.
func (b *LossyBroker) DropIf(m Match) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = m
}

// HoldIf keeps matching messages back until Release.
func (b *LossyBroker) HoldIf(m Match) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = m
}

// Release stops holding and publishes the held messages in order.
func (b *LossyBroker) Release() error {
	b.mu.Lock()
	held := b.held
	b.held, b.hold = nil, nil
	b.mu.Unlock()
	for _, o := range held {
		if err := b.Broker.Publish(o.topic, o.payload); err != nil {
			return err
		}
	}
	return nil
}

// Publish drops, holds or delays the message. Dropped messages still report
// success, as QoS 0 delivery would.
func (b *LossyBroker) Publish(topic string, payload []byte) error {
	m, _ := signaling.Parse(payload)

	b.mu.Lock()
	if (b.drop != nil && b.drop(topic, m)) || b.rand.Float64() < b.lossRate {
		b.mu.Unlock()
		return nil
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	if b.hold != nil && b.hold(topic, m) {
		b.held = append(b.held, outgoing{topic: topic, payload: data})
		b.mu.Unlock()
		return nil
	}
	lat := b.latency
	b.mu.Unlock()

	if lat <= 0 {
		return b.Broker.Publish(topic, payload)
	}
	b.start.Do(func() {
		b.queue = make(chan outgoing, 256)
		go b.deliver()
	})
	b.queue <- outgoing{topic: topic, payload: data, due: time.Now().Add(lat)}
	return nil
}

func (b *LossyBroker) deliver() {
	for o := range b.queue {
		time.Sleep(time.Until(o.due))
		b.Broker.Publish(o.topic, o.payload)
	}
}
