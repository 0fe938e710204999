package kvstore

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the broadcast channel.
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns defaults for a local NATS server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "livesync.tabs",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBroadcaster implements Broadcaster over core NATS pub/sub. Delivery is
// best-effort: messages published while a listener is disconnected are gone,
// which is exactly the contract the coordination layer expects from its fast
// path.
type NATSBroadcaster struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBroadcaster connects to NATS with reconnect handling.
func NewNATSBroadcaster(cfg NATSConfig) (*NATSBroadcaster, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSBroadcaster{nc: nc, subject: cfg.Subject}, nil
}

func (b *NATSBroadcaster) Send(data []byte) error {
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

func (b *NATSBroadcaster) Listen(fn func([]byte)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to broadcast subject: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe broadcast listener")
		}
	}, nil
}

func (b *NATSBroadcaster) Close() error {
	b.nc.Close()
	return nil
}
