package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the NATS bridge.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the settings used when nothing is configured.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "storychain.rooms",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Connect dials NATS with logging handlers attached.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("storychain"),
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
	return nc, nil
}

// envelope is what travels over NATS; Data is the client-facing event.
type envelope struct {
	ID     string          `json:"id"`
	Origin string          `json:"origin"`
	Group  string          `json:"group"`
	Type   string          `json:"type"`
	SentAt time.Time       `json:"sent_at"`
	Data   json.RawMessage `json:"data"`
}

// NATSBroadcaster fans events out across processes. Every process publishes to
// <prefix>.<group> and feeds its local Hub from one wildcard subscription, so
// local subscribers see events from every replica.
type NATSBroadcaster struct {
	nc       *nats.Conn
	hub      *Hub
	prefix   string
	instance string

	ready     chan struct{}
	readyOnce sync.Once
}

func NewNATSBroadcaster(nc *nats.Conn, hub *Hub, prefix string) *NATSBroadcaster {
	return &NATSBroadcaster{
		nc:       nc,
		hub:      hub,
		prefix:   strings.TrimSuffix(prefix, "."),
		instance: uuid.New().String(),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the server has acknowledged the relay subscription.
func (b *NATSBroadcaster) Ready() <-chan struct{} {
	return b.ready
}

func (b *NATSBroadcaster) subject(group string) string {
	return b.prefix + "." + group
}

func (b *NATSBroadcaster) Subscribe(group string, sub Subscriber) {
	b.hub.Subscribe(group, sub)
}

func (b *NATSBroadcaster) Unsubscribe(group string, sub Subscriber) {
	b.hub.Unsubscribe(group, sub)
}

// Publish sends the event to every replica, this one included.
func (b *NATSBroadcaster) Publish(ctx context.Context, group string, event Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	msg, err := b.wrap(group, event.EventType(), data)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject(group), msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.EventType(), group, err)
	}
	return nil
}

func (b *NATSBroadcaster) wrap(group, eventType string, data []byte) ([]byte, error) {
	msg, err := json.Marshal(envelope{
		ID:     uuid.New().String(),
		Origin: b.instance,
		Group:  group,
		Type:   eventType,
		SentAt: time.Now().UTC(),
		Data:   data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return msg, nil
}

// Start subscribes to all groups and relays into the local hub until ctx is done.
// NATS invokes the handler sequentially, which keeps per-group order.
func (b *NATSBroadcaster) Start(ctx context.Context) error {
	sub, err := b.nc.Subscribe(b.prefix+".*", b.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", b.prefix, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe from NATS")
		}
	}()
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription %s.*: %w", b.prefix, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	log.Info().Str("subject", b.prefix+".*").Str("instance", b.instance).Msg("NATS broadcaster started")
	<-ctx.Done()
	log.Info().Msg("NATS broadcaster shutting down")
	return nil
}

func (b *NATSBroadcaster) handleMessage(msg *nats.Msg) {
	env, err := unwrap(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("dropping malformed broadcast")
		return
	}
	b.hub.Enqueue(env.Group, env.Data)
}

func unwrap(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Group == "" || len(env.Data) == 0 {
		return envelope{}, fmt.Errorf("envelope missing group or data")
	}
	return env, nil
}
