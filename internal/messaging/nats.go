// Package messaging bridges the relay to NATS JetStream. Every accepted chat
// message is appended to a durable, ordered subject before any delivery is
// attempted, and each relay instance consumes those subjects through its own
// durable consumer.
package messaging

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chatter/relay/internal/metrics"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222, comma-separated for a cluster
	Name           string        // client name shown in server monitoring
	Token          string        // optional auth token
	ConnectTimeout time.Duration // dial timeout per server
	ReconnectWait  time.Duration // time between reconnect attempts
	MaxReconnects  int           // -1 reconnects forever
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "chat-relay",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

func (c NATSConfig) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.Timeout(c.ConnectTimeout),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.BrokerDisconnects.Inc()
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] async error subject=%s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	return opts
}

// Connect dials NATS and fails if no server in URL is reachable.
func Connect(config NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(config.URL, config.options()...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), config.Name)
	return nc, nil
}
