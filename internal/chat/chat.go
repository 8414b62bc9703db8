// Package chat defines the domain values shared by the registry, broker,
// persistence gateway and wire protocol: users, rooms, persisted messages and
// the transient envelopes that are fanned out to room members.
package chat

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Message types accepted by the persistence gateway.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
)

// Room types accepted by the persistence gateway.
const (
	RoomTypeGroup = "group"
	RoomTypePeer  = "ptp"
)

// MaxMessageLength bounds the text of a single message, in characters.
const MaxMessageLength = 5000

// Validation errors
var (
	ErrEmptyText       = errors.New("message text cannot be empty")
	ErrTextTooLong     = errors.New("message text exceeds maximum length")
	ErrInvalidType     = errors.New("message type must be text, image or video")
	ErrInvalidRoomType = errors.New("room type must be group or ptp")
)

// User is the identity attached to a connection and recorded as a message author.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

// IsZero reports whether no identity has been attached.
func (u User) IsZero() bool {
	return u.ID == ""
}

// Room is the durable room entity a Room Channel corresponds to.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	AdminUserID string    `json:"adminUserId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is the persisted message shape as returned by the gateway.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMessage is the input of a durable message write.
type NewMessage struct {
	RoomID string
	Author User
	Text   string
	Type   string
}

// Entry pairs a message with its author, the unit of both history pages and
// live receive_message events.
type Entry struct {
	Message Message `json:"message"`
	User    User    `json:"user"`
}

// Envelope is created right after a successful durable write and handed to
// the fan-out. It is never retained once delivered.
type Envelope struct {
	RoomID     string
	Message    Message
	Sender     User
	SenderConn string
}

// Entry returns the payload carried by receive_message.
func (e Envelope) Entry() Entry {
	return Entry{Message: e.Message, User: e.Sender}
}

// TypingIndicator lives for the duration of one broadcast.
type TypingIndicator struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// NormalizeMessageType returns the message type to store, defaulting to text.
func NormalizeMessageType(t string) (string, error) {
	switch t {
	case "":
		return MessageTypeText, nil
	case MessageTypeText, MessageTypeImage, MessageTypeVideo:
		return t, nil
	default:
		return "", ErrInvalidType
	}
}

// ValidateText validates message content.
func ValidateText(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrTextTooLong
	}
	return nil
}

// NormalizeRoomType returns the room type to store, defaulting to group.
func NormalizeRoomType(t string) (string, error) {
	switch t {
	case "":
		return RoomTypeGroup, nil
	case RoomTypeGroup, RoomTypePeer:
		return t, nil
	default:
		return "", ErrInvalidRoomType
	}
}
