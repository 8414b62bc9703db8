package broker

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/session"
)

// Bind registers the session with the broker and wires its inbound events.
// It must be called before the session's pumps are started.
func (b *Broker) Bind(s *session.Session) error {
	user := s.User()
	if err := b.Connect(s.ID(), s, &user); err != nil {
		return err
	}
	id := s.ID()

	s.On(protocol.EventAuthenticate, func(ctx context.Context, data json.RawMessage) {
		metrics.InboundEvents.WithLabelValues(protocol.EventAuthenticate).Inc()
		var p protocol.AuthenticatePayload
		if err := protocol.Decode(data, &p); err != nil {
			b.reportError(s, id, protocol.EventAuthenticate, "", err)
			return
		}
		if err := b.HandleAuthenticate(ctx, id, p.Token); err != nil {
			b.reportError(s, id, protocol.EventAuthenticate, "", err)
		}
	})

	s.On(protocol.EventJoinRoom, func(ctx context.Context, data json.RawMessage) {
		metrics.InboundEvents.WithLabelValues(protocol.EventJoinRoom).Inc()
		roomID, err := protocol.DecodeRoomID(data)
		if err == nil {
			err = b.HandleJoin(ctx, id, roomID)
		}
		if err != nil {
			b.reportError(s, id, protocol.EventJoinRoom, roomID, err)
		}
	})

	s.On(protocol.EventLeaveRoom, func(ctx context.Context, data json.RawMessage) {
		metrics.InboundEvents.WithLabelValues(protocol.EventLeaveRoom).Inc()
		roomID, err := protocol.DecodeRoomID(data)
		if err == nil {
			err = b.HandleLeave(ctx, id, roomID)
		}
		if err != nil {
			b.reportError(s, id, protocol.EventLeaveRoom, roomID, err)
		}
	})

	s.On(protocol.EventSendMessage, func(ctx context.Context, data json.RawMessage) {
		metrics.InboundEvents.WithLabelValues(protocol.EventSendMessage).Inc()
		var p protocol.SendMessagePayload
		if err := protocol.Decode(data, &p); err != nil {
			b.reportError(s, id, protocol.EventSendMessage, p.RoomID, err)
			return
		}
		err := b.HandleSend(ctx, id, SendMessage{
			RoomID: p.RoomID,
			Text:   p.Message.Text,
			Type:   p.Message.Type,
			User:   p.User,
		})
		if err != nil && ctx.Err() == nil {
			b.reportError(s, id, protocol.EventSendMessage, p.RoomID, err)
		}
	})

	s.On(protocol.EventTyping, func(ctx context.Context, data json.RawMessage) {
		metrics.InboundEvents.WithLabelValues(protocol.EventTyping).Inc()
		var p protocol.TypingPayload
		if err := protocol.Decode(data, &p); err != nil {
			b.reportError(s, id, protocol.EventTyping, p.RoomID, err)
			return
		}
		if err := b.HandleTyping(ctx, id, p.RoomID, p.IsTyping); err != nil {
			b.reportError(s, id, protocol.EventTyping, p.RoomID, err)
		}
	})

	s.On(protocol.EventLogout, func(ctx context.Context, _ json.RawMessage) {
		metrics.InboundEvents.WithLabelValues(protocol.EventLogout).Inc()
		if err := b.HandleLogout(ctx, id); err != nil {
			b.reportError(s, id, protocol.EventLogout, "", err)
		}
	})

	s.OnInvalid(func(event string, err error) {
		metrics.InboundEvents.WithLabelValues("invalid").Inc()
		b.reportError(s, id, event, "", err)
	})

	s.OnClose(func() {
		b.HandleDisconnect(id)
	})
	return nil
}
