// Package messaging provides a NATS client wrapper for relaying frames
// between relay instances. Each instance subscribes to a per-user subject
// for its connected users and to a shared presence subject for STATUS
// fan-out.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the relay.
const (
	SubjectFrames   = "frames"          // + .<user> — directed frames
	SubjectPresence = "presence.events" // STATUS broadcast across instances
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duochat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishFrame publishes a raw frame to the frames.<user> subject, for
// delivery by whichever instance holds the user's connection.
func (c *NATSClient) PublishFrame(user string, frame string) error {
	return c.conn.Publish(SubjectFrames+"."+user, []byte(frame))
}

// SubscribeFrames subscribes to directed frames for a user connected to this
// instance. The subscription is keyed by user for later cleanup.
func (c *NATSClient) SubscribeFrames(user string, handler func(frame string)) error {
	subject := SubjectFrames + "." + user
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeFrames drops the directed-frame subscription for a user.
func (c *NATSClient) UnsubscribeFrames(user string) error {
	return c.unsubscribe(SubjectFrames + "." + user)
}

// PublishPresence broadcasts a STATUS frame to all instances.
func (c *NATSClient) PublishPresence(frame string) error {
	return c.conn.Publish(SubjectPresence, []byte(frame))
}

// SubscribePresence registers a handler for presence broadcasts.
func (c *NATSClient) SubscribePresence(handler func(frame string)) error {
	sub, err := c.conn.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectPresence, err)
	}

	c.mu.Lock()
	c.subs[SubjectPresence] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and drains a stored subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close unsubscribes everything and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for key, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, key)
	}
	c.mu.Unlock()

	c.conn.Close()
}
