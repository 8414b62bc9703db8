// Package broker routes client events between connections and rooms. It
// validates preconditions against the connection registry, writes messages
// through the persistence gateway and fans the result out to room members.
//
// A message is broadcast only after its durable write succeeded, and the
// member set is read after the write returns. No registry lock is held while
// the gateway is called or while events are delivered.
package broker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/registry"
	"github.com/Tyrowin/roomchat/internal/relay"
)

// Gateway is the durable message write used by HandleSend.
type Gateway interface {
	CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error)
}

// Authenticator resolves the identity named by a token.
type Authenticator interface {
	Authenticate(token string) (chat.User, error)
}

// Publisher forwards room events to other broker nodes.
type Publisher interface {
	Publish(evt relay.RoomEvent) error
}

// SendMessage is the input of HandleSend.
type SendMessage struct {
	RoomID string
	Text   string
	Type   string
	// User, when set, must name the connection's own identity.
	User *chat.User
}

// Option configures a Broker.
type Option func(*Broker)

// WithAuthenticator enables the authenticate event.
func WithAuthenticator(a Authenticator) Option {
	return func(b *Broker) { b.auth = a }
}

// WithRelay publishes room broadcasts to other nodes.
func WithRelay(p Publisher) Option {
	return func(b *Broker) { b.relay = p }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// Broker is the event broker.
type Broker struct {
	reg   *registry.Registry
	gw    Gateway
	auth  Authenticator
	relay Publisher
	log   zerolog.Logger
}

// New creates a broker over reg and gw.
func New(reg *registry.Registry, gw Gateway, opts ...Option) *Broker {
	b := &Broker{
		reg: reg,
		gw:  gw,
		log: logging.With("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the connection registry the broker validates against.
func (b *Broker) Registry() *registry.Registry {
	return b.reg
}

// Connect registers a new connection. When user is non-nil the identity
// resolved at upgrade time is attached right away.
func (b *Broker) Connect(connID string, ep registry.Endpoint, user *chat.User) error {
	if err := b.reg.Register(connID, ep); err != nil {
		return fmt.Errorf("register %s: %w", connID, err)
	}
	if user != nil && !user.IsZero() {
		if err := b.reg.AttachIdentity(connID, *user); err != nil {
			return err
		}
	}
	b.updateStats()
	b.log.Debug().Str("conn_id", connID).Bool("authenticated", user != nil && !user.IsZero()).Msg("connection registered")
	return nil
}

// HandleAuthenticate attaches the identity named by token and acknowledges it.
// A connection that already carries an identity cannot switch to another one.
func (b *Broker) HandleAuthenticate(_ context.Context, connID, token string) error {
	m, err := b.reg.Lookup(connID)
	if err != nil {
		return err
	}
	if b.auth == nil {
		return fmt.Errorf("%w: authentication is not configured", ErrUnauthorized)
	}
	user, err := b.auth.Authenticate(token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !m.User.IsZero() && m.User.ID != user.ID {
		return fmt.Errorf("%w: connection is bound to another user", ErrUnauthorized)
	}
	if err := b.reg.AttachIdentity(connID, user); err != nil {
		return err
	}

	b.log.Debug().Str("conn_id", connID).Str("user_id", user.ID).Msg("connection authenticated")
	b.emit(m.Endpoint, connID, protocol.EventAuthenticated, protocol.AuthenticatedPayload{UserID: user.ID})
	return nil
}

// HandleJoin subscribes the connection to a room and acknowledges it to the
// requester only.
func (b *Broker) HandleJoin(_ context.Context, connID, roomID string) error {
	m, err := b.reg.Lookup(connID)
	if err != nil {
		return err
	}
	if m.User.IsZero() {
		return ErrUnauthorized
	}
	if err := b.reg.Join(connID, roomID); err != nil {
		return err
	}
	b.updateStats()

	b.log.Debug().Str("conn_id", connID).Str("room_id", roomID).Msg("joined room")
	b.emit(m.Endpoint, connID, protocol.EventRoomJoined, roomID)
	return nil
}

// HandleLeave unsubscribes the connection from a room. Leaving a room that
// was never joined still acknowledges.
func (b *Broker) HandleLeave(_ context.Context, connID, roomID string) error {
	m, err := b.reg.Lookup(connID)
	if err != nil {
		return err
	}
	if err := b.reg.Leave(connID, roomID); err != nil {
		return err
	}
	b.updateStats()

	b.log.Debug().Str("conn_id", connID).Str("room_id", roomID).Msg("left room")
	b.emit(m.Endpoint, connID, protocol.EventRoomLeft, roomID)
	return nil
}

// HandleSend persists a message and, once the write succeeded, confirms it to
// the sender and broadcasts it to the other members of the room.
//
// Nothing is broadcast when the write fails, when ctx is done by the time it
// returns, or when the sender has disconnected meanwhile.
func (b *Broker) HandleSend(ctx context.Context, connID string, in SendMessage) error {
	m, err := b.reg.Lookup(connID)
	if err != nil {
		return err
	}
	if m.User.IsZero() {
		return ErrUnauthorized
	}
	if in.User != nil && in.User.ID != m.User.ID {
		return fmt.Errorf("%w: message author does not match connection", ErrUnauthorized)
	}
	if !b.reg.IsMember(connID, in.RoomID) {
		return ErrNotAMember
	}

	msg, err := b.gw.CreateMessage(ctx, chat.NewMessage{
		RoomID: in.RoomID,
		Author: m.User,
		Text:   in.Text,
		Type:   in.Type,
	})
	if err != nil {
		if isInputError(err) {
			return fmt.Errorf("%w: %w", protocol.ErrMalformedEvent, err)
		}
		b.log.Warn().Err(err).Str("conn_id", connID).Str("room_id", in.RoomID).Msg("persistence failed; message not broadcast")
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if err := ctx.Err(); err != nil {
		b.log.Debug().Err(err).Str("conn_id", connID).Str("message_id", msg.ID).Msg("send canceled after write; not broadcasting")
		return err
	}
	if _, err := b.reg.Lookup(connID); err != nil {
		b.log.Debug().Str("conn_id", connID).Str("message_id", msg.ID).Msg("sender gone after write; not broadcasting")
		return err
	}

	env := chat.Envelope{RoomID: in.RoomID, Message: msg, Sender: m.User, SenderConn: connID}
	payload, err := json.Marshal(env.Entry())
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	b.emit(m.Endpoint, connID, protocol.EventMessageSent, json.RawMessage(payload))
	b.broadcast(in.RoomID, protocol.EventReceiveMessage, payload, connID)
	return nil
}

// HandleTyping relays a typing indicator to the other members of the room.
func (b *Broker) HandleTyping(_ context.Context, connID, roomID string, isTyping bool) error {
	m, err := b.reg.Lookup(connID)
	if err != nil {
		return err
	}
	if m.User.IsZero() {
		return ErrUnauthorized
	}
	if !b.reg.IsMember(connID, roomID) {
		return ErrNotAMember
	}

	payload, err := json.Marshal(chat.TypingIndicator{RoomID: roomID, UserID: m.User.ID, IsTyping: isTyping})
	if err != nil {
		return fmt.Errorf("encode typing indicator: %w", err)
	}
	b.broadcast(roomID, protocol.EventUserTyping, payload, connID)
	return nil
}

// HandleDisconnect removes the connection from the registry. It is safe to
// call for connections that are already gone.
func (b *Broker) HandleDisconnect(connID string) {
	if !b.reg.Deregister(connID) {
		return
	}
	b.updateStats()
	b.log.Debug().Str("conn_id", connID).Msg("connection deregistered")
}

// HandleLogout deregisters the connection and closes its endpoint.
func (b *Broker) HandleLogout(_ context.Context, connID string) error {
	m, err := b.reg.Lookup(connID)
	if err != nil {
		return err
	}
	b.HandleDisconnect(connID)
	if err := m.Endpoint.Close(); err != nil {
		b.log.Debug().Err(err).Str("conn_id", connID).Msg("error closing endpoint on logout")
	}
	return nil
}

// DeliverRemote fans out an event relayed from another node to local members.
func (b *Broker) DeliverRemote(evt relay.RoomEvent) {
	switch evt.Event {
	case protocol.EventReceiveMessage, protocol.EventUserTyping:
	default:
		b.log.Warn().Str("event", evt.Event).Str("origin", evt.Origin).Msg("ignoring relayed event")
		return
	}
	b.fanout(evt.RoomID, evt.Event, evt.Payload, evt.SenderConn)
}

// broadcast delivers locally and then offers the event to the relay.
func (b *Broker) broadcast(roomID, event string, payload json.RawMessage, senderConn string) {
	b.fanout(roomID, event, payload, senderConn)

	if b.relay == nil {
		return
	}
	err := b.relay.Publish(relay.RoomEvent{
		RoomID:     roomID,
		Event:      event,
		Payload:    payload,
		SenderConn: senderConn,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("room_id", roomID).Str("event", event).Msg("relay publish failed")
	}
}

// fanout emits to every member of the room except the excluded connection.
// Delivery failures are counted and skipped; the failing session closes itself.
func (b *Broker) fanout(roomID, event string, payload json.RawMessage, exclude string) int {
	members := b.reg.MembersOf(roomID)
	delivered := 0
	for _, member := range members {
		if member.ConnID == exclude {
			continue
		}
		if b.emit(member.Endpoint, member.ConnID, event, payload) {
			delivered++
		}
	}
	metrics.FanoutSize.Observe(float64(delivered))
	return delivered
}

func (b *Broker) emit(ep registry.Endpoint, connID, event string, payload any) bool {
	if err := ep.Emit(event, payload); err != nil {
		metrics.DeliveryFailures.Inc()
		b.log.Debug().Err(err).Str("conn_id", connID).Str("event", event).Msg("delivery failed")
		return false
	}
	metrics.OutboundEvents.WithLabelValues(event).Inc()
	return true
}

// reportError sends an error frame to the originating connection only.
func (b *Broker) reportError(ep registry.Endpoint, connID, event, roomID string, err error) {
	code := ErrorCode(err)
	metrics.BrokerErrors.WithLabelValues(code).Inc()

	ev := b.log.Debug()
	if code == protocol.CodeInternal {
		ev = b.log.Error()
	}
	ev.Err(err).Str("conn_id", connID).Str("event", event).Str("code", code).Msg("event rejected")

	b.emit(ep, connID, protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: publicMessage(code, err),
		Event:   event,
		RoomID:  roomID,
	})
}

func (b *Broker) updateStats() {
	metrics.SetRegistryStats(b.reg.Stats())
}
