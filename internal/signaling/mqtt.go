package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/logging"
)

const (
	// DefaultBrokerURL is the public broker the browser page connects to.
	DefaultBrokerURL = "wss://broker.emqx.io:8084/mqtt"

	qos          = 1
	tokenTimeout = 10 * time.Second
)

// Handler receives raw payloads published on a subscribed topic.
type Handler func(topic string, payload []byte)

// Broker is the publish/subscribe transport used for signaling.
type Broker interface {
	Subscribe(topic string, h Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
}

// DialOptions configure a plain MQTT broker connection.
type DialOptions struct {
	URL            string
	Username       string
	Password       string
	ClientID       string
	ConnectTimeout time.Duration
	Logger         *pterm.Logger
}

// Client handles MQTT connections to the signaling broker.
type Client struct {
	client mqtt.Client
	log    *pterm.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

var _ Broker = (*Client)(nil)

// NewClientID returns a broker-unique client id. Participant ids are chosen by
// users and may collide, so they are never used as MQTT client ids.
func NewClientID() string {
	return "vcall-" + uuid.NewString()
}

// Dial connects to a plain MQTT broker (tcp, ssl, ws or wss URL).
func Dial(ctx context.Context, o DialOptions) (*Client, error) {
	if o.URL == "" {
		o.URL = DefaultBrokerURL
	}
	if o.ClientID == "" {
		o.ClientID = NewClientID()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.URL)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	return connect(ctx, opts, o.ClientID, o.ConnectTimeout, o.Logger)
}

func connect(ctx context.Context, opts *mqtt.ClientOptions, clientID string, timeout time.Duration, log *pterm.Logger) (*Client, error) {
	if log == nil {
		log = logging.Discard()
	}
	if timeout <= 0 {
		timeout = tokenTimeout
	}
	c := &Client{log: log, subs: make(map[string]Handler)}

	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("broker connection lost", log.Args("component", logging.MQTT, "error", err))
	})
	// Clean sessions drop subscriptions on reconnect.
	opts.SetOnConnectHandler(func(mc mqtt.Client) {
		log.Info("connected to broker", log.Args("component", logging.MQTT))
		c.mu.Lock()
		defer c.mu.Unlock()
		for topic, h := range c.subs {
			mc.Subscribe(topic, qos, wrap(h))
		}
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if err := wait(ctx, token, timeout); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}
	return c, nil
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return errors.New("timed out waiting for broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe listens to a topic.
func (c *Client) Subscribe(topic string, h Handler) error {
	if err := wait(context.Background(), c.client.Subscribe(topic, qos, wrap(h)), tokenTimeout); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	c.log.Info("subscribed", c.log.Args("component", logging.MQTT, "topic", topic))
	return nil
}

// Unsubscribe stops listening to a topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	if err := wait(context.Background(), c.client.Unsubscribe(topic), tokenTimeout); err != nil {
		return fmt.Errorf("unsubscribe failed: %w", err)
	}
	return nil
}

// Publish sends a message to a topic.
func (c *Client) Publish(topic string, payload []byte) error {
	if err := wait(context.Background(), c.client.Publish(topic, qos, false, payload), tokenTimeout); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}
