// Package relay shares room events between broker nodes over NATS so members
// connected to different processes still see each other's messages.
//
// Relayed traffic is best effort: core NATS subjects, no persistence and no
// redelivery. The durable record is always the persistence gateway.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// DefaultSubject carries every relayed room event.
const DefaultSubject = "roomchat.room_events"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("relay closed")

// RoomEvent is an outbound room event produced on one node and delivered to
// local members on every other node.
type RoomEvent struct {
	Origin     string          `json:"origin"`
	RoomID     string          `json:"roomId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	SenderConn string          `json:"senderConn,omitempty"`
}

// Handler receives events published by other nodes.
type Handler func(RoomEvent)

// Config holds relay connection settings.
type Config struct {
	URL     string
	Subject string
	NodeID  string
	Name    string
}

// Relay is a NATS backed room event relay.
type Relay struct {
	nc      *nats.Conn
	subject string
	node    string
	log     zerolog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// Connect dials the NATS server.
func Connect(cfg Config) (*Relay, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = "roomchat-" + cfg.NodeID
	}
	log := logging.With("relay").With().Str("node", cfg.NodeID).Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("relay connected")
	return &Relay{nc: nc, subject: cfg.Subject, node: cfg.NodeID, log: log}, nil
}

// NodeID identifies this process in relayed events.
func (r *Relay) NodeID() string {
	return r.node
}

// Publish sends evt to the other nodes. Origin is set to this node.
func (r *Relay) Publish(evt RoomEvent) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	evt.Origin = r.node
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode room event: %w", err)
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		return fmt.Errorf("failed to publish room event: %w", err)
	}
	metrics.RelayMessages.WithLabelValues("out").Inc()
	return nil
}

// Subscribe delivers events from other nodes to h. Events published by this
// node are skipped. Only one subscription is kept; calling Subscribe again
// replaces it.
func (r *Relay) Subscribe(h Handler) error {
	sub, err := r.nc.Subscribe(r.subject, func(msg *nats.Msg) {
		var evt RoomEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			r.log.Warn().Err(err).Msg("discarding undecodable room event")
			return
		}
		if evt.Origin == r.node {
			return
		}
		metrics.RelayMessages.WithLabelValues("in").Inc()
		h(evt)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
	}

	r.mu.Lock()
	prev := r.sub
	r.sub = sub
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return r.nc.Flush()
}

// Close drains the subscription and closes the connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
