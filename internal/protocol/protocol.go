// Package protocol defines the event frames exchanged over a chat websocket:
// event names, payload structs and the JSON codec used on both directions.
//
// Every frame is a JSON object {"event": "<name>", "data": <payload>}.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Inbound events (client -> broker).
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventLogout       = "logout"
)

// Outbound events (broker -> client).
const (
	EventReceiveMessage = "receive_message"
	EventMessageSent    = "message_sent"
	EventRoomJoined     = "room_joined"
	EventRoomLeft       = "room_left"
	EventUserTyping     = "user_typing"
	EventAuthenticated  = "authenticated"
	EventError          = "error"
)

// Error codes carried by error frames.
const (
	CodeUnauthorized       = "unauthorized"
	CodeNotAMember         = "not_a_member"
	CodeUnknownConnection  = "unknown_connection"
	CodePersistenceFailure = "persistence_failure"
	CodeMalformedEvent     = "malformed_event"
	CodeInternal           = "internal"
)

// MaxRoomIDLength bounds room identifiers accepted from clients.
const MaxRoomIDLength = 128

// ErrMalformedEvent marks frames or payloads that are missing required fields
// or cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Frame is the envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthenticatePayload is the data of an authenticate event.
type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

// MessageInput is the client supplied part of a message.
type MessageInput struct {
	Text string `json:"text" validate:"required,max=5000"`
	Type string `json:"type" validate:"omitempty,oneof=text image video"`
}

// SendMessagePayload is the data of a send_message event.
type SendMessagePayload struct {
	RoomID  string        `json:"roomId" validate:"required,max=128"`
	Message *MessageInput `json:"message" validate:"required"`
	User    *chat.User    `json:"user,omitempty"`
}

// TypingPayload is the data of a typing event.
type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	IsTyping bool   `json:"isTyping"`
}

// AuthenticatedPayload acknowledges an attached identity.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Encode marshals an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = raw
	}
	out, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return out, nil
}

// DecodeFrame parses a raw websocket message into a frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	f.Event = strings.TrimSpace(f.Event)
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}
	return f, nil
}

// DecodeRoomID decodes a payload that is a bare room id string, the form used
// by join_room and leave_room.
func DecodeRoomID(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing room id", ErrMalformedEvent)
	}
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		return "", fmt.Errorf("%w: room id must be a string", ErrMalformedEvent)
	}
	roomID = NormalizeRoomID(roomID)
	if roomID == "" || len(roomID) > MaxRoomIDLength {
		return "", fmt.Errorf("%w: invalid room id", ErrMalformedEvent)
	}
	return roomID, nil
}

// NormalizeRoomID trims surrounding whitespace from a client supplied room id.
func NormalizeRoomID(roomID string) string {
	return strings.TrimSpace(roomID)
}

type normalizer interface {
	normalize()
}

func (p *SendMessagePayload) normalize() { p.RoomID = NormalizeRoomID(p.RoomID) }

func (p *TypingPayload) normalize() { p.RoomID = NormalizeRoomID(p.RoomID) }

// Decode unmarshals a payload into v, normalizes its room id if it carries
// one and validates its struct tags.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if n, ok := v.(normalizer); ok {
		n.normalize()
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
