package store

import (
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// roomRecord is the rooms table row.
type roomRecord struct {
	ID          string    `gorm:"primarykey;size:36"`
	Name        string    `gorm:"size:100;not null"`
	Type        string    `gorm:"size:8;not null;default:group"`
	AdminUserID string    `gorm:"size:64;index"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (roomRecord) TableName() string {
	return "rooms"
}

func (r roomRecord) toDomain() chat.Room {
	return chat.Room{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.Type,
		AdminUserID: r.AdminUserID,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// userRecord stores the last known profile of a message author.
type userRecord struct {
	ID        string `gorm:"primarykey;size:64"`
	Name      string `gorm:"size:200"`
	Image     string `gorm:"size:500"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRecord) TableName() string {
	return "users"
}

func (u userRecord) toDomain() chat.User {
	return chat.User{ID: u.ID, Name: u.Name, Image: u.Image}
}

// messageRecord is the messages table row. CreatedNano holds the exact
// creation instant and backs both ordering and the history cursor.
type messageRecord struct {
	ID          string `gorm:"primarykey;size:36"`
	RoomID      string `gorm:"size:36;not null;index:idx_messages_room_created,priority:1"`
	UserID      string `gorm:"size:64;not null"`
	Text        string `gorm:"not null"`
	Type        string `gorm:"size:8;not null;default:text"`
	CreatedNano int64  `gorm:"not null;index:idx_messages_room_created,priority:2"`
	UpdatedNano int64  `gorm:"not null"`
}

func (messageRecord) TableName() string {
	return "messages"
}

func (m messageRecord) toDomain() chat.Message {
	return chat.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Text:      m.Text,
		Type:      m.Type,
		CreatedAt: time.Unix(0, m.CreatedNano).UTC(),
		UpdatedAt: time.Unix(0, m.UpdatedNano).UTC(),
	}
}
