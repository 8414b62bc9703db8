// Package store is the persistence gateway: it records rooms, message authors
// and messages in a relational database through gorm, and serves room history
// in pages ordered newest first.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// History page bounds.
const (
	DefaultPageSize = 15
	MaxPageSize     = 100
)

var (
	// ErrRoomNotFound is returned when a room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidCursor is returned when a history cursor cannot be parsed.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrInvalidRoom is returned when a room cannot be created from the input.
	ErrInvalidRoom = errors.New("invalid room")
	// ErrMissingAuthor is returned when a message has no author identity.
	ErrMissingAuthor = errors.New("message author is required")
)

// NewRoom is the input of CreateRoom.
type NewRoom struct {
	Name        string
	Type        string
	AdminUserID string
}

// Page is one slice of room history. NextCursor is empty on the last page.
type Page struct {
	Items      []chat.Entry `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// Store provides access to chat storage.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// Open opens the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// sqlite allows one writer at a time.
	sqlDB.SetMaxOpenConns(1)
	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&roomRecord{}, &userRecord{}, &messageRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// stamp returns a strictly increasing creation time so that history cursors
// never split two messages written by this process at the same instant.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// CreateRoom saves a new room.
func (s *Store) CreateRoom(ctx context.Context, in NewRoom) (room chat.Room, err error) {
	defer func(start time.Time) { metrics.ObservePersistence("create_room", start, err) }(time.Now())

	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 100 {
		return chat.Room{}, fmt.Errorf("%w: name must be 1 to 100 characters", ErrInvalidRoom)
	}
	roomType, err := chat.NormalizeRoomType(in.Type)
	if err != nil {
		return chat.Room{}, fmt.Errorf("%w: %w", ErrInvalidRoom, err)
	}

	now := s.stamp()
	rec := roomRecord{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        roomType,
		AdminUserID: in.AdminUserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return chat.Room{}, fmt.Errorf("failed to create room: %w", err)
	}
	return rec.toDomain(), nil
}

// GetRoom retrieves a room by its ID.
func (s *Store) GetRoom(ctx context.Context, id string) (chat.Room, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Room{}, ErrRoomNotFound
		}
		return chat.Room{}, fmt.Errorf("failed to find room: %w", err)
	}
	return rec.toDomain(), nil
}

// CreateMessage records the author and the message in one transaction and
// returns the persisted message.
func (s *Store) CreateMessage(ctx context.Context, in chat.NewMessage) (msg chat.Message, err error) {
	defer func(start time.Time) { metrics.ObservePersistence("create_message", start, err) }(time.Now())

	if in.Author.IsZero() {
		return chat.Message{}, ErrMissingAuthor
	}
	if err := chat.ValidateText(in.Text); err != nil {
		return chat.Message{}, err
	}
	msgType, err := chat.NormalizeMessageType(in.Type)
	if err != nil {
		return chat.Message{}, err
	}

	now := s.stamp()
	rec := messageRecord{
		ID:          uuid.NewString(),
		RoomID:      in.RoomID,
		UserID:      in.Author.ID,
		Text:        in.Text,
		Type:        msgType,
		CreatedNano: now.UnixNano(),
		UpdatedNano: now.UnixNano(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&roomRecord{}).Where("id = ?", in.RoomID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to find room: %w", err)
		}
		if count == 0 {
			return ErrRoomNotFound
		}

		author := userRecord{
			ID:        in.Author.ID,
			Name:      in.Author.Name,
			Image:     in.Author.Image,
			CreatedAt: now,
			UpdatedAt: now,
		}
		upsert := clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "image", "updated_at"}),
		}
		if err := tx.Clauses(upsert).Create(&author).Error; err != nil {
			return fmt.Errorf("failed to save author: %w", err)
		}

		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return rec.toDomain(), nil
}

// ListMessages returns up to limit entries of a room, newest first, strictly
// older than cursor. An empty cursor starts from the newest message.
func (s *Store) ListMessages(ctx context.Context, roomID, cursor string, limit int) (page Page, err error) {
	defer func(start time.Time) { metrics.ObservePersistence("list_messages", start, err) }(time.Now())

	limit = ClampLimit(limit)

	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if cursor != "" {
		before, err := ParseCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		q = q.Where("created_nano < ?", before.UnixNano())
	}

	var recs []messageRecord
	if err := q.Order("created_nano DESC").Order("id DESC").Limit(limit + 1).Find(&recs).Error; err != nil {
		return Page{}, fmt.Errorf("failed to list messages: %w", err)
	}

	if len(recs) > limit {
		recs = recs[:limit]
		page.NextCursor = FormatCursor(time.Unix(0, recs[limit-1].CreatedNano))
	}

	authors, err := s.authors(ctx, recs)
	if err != nil {
		return Page{}, err
	}

	page.Items = make([]chat.Entry, 0, len(recs))
	for _, rec := range recs {
		user, ok := authors[rec.UserID]
		if !ok {
			user = chat.User{ID: rec.UserID}
		}
		page.Items = append(page.Items, chat.Entry{Message: rec.toDomain(), User: user})
	}
	return page, nil
}

func (s *Store) authors(ctx context.Context, recs []messageRecord) (map[string]chat.User, error) {
	if len(recs) == 0 {
		return map[string]chat.User{}, nil
	}
	seen := make(map[string]struct{}, len(recs))
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		if _, ok := seen[rec.UserID]; ok {
			continue
		}
		seen[rec.UserID] = struct{}{}
		ids = append(ids, rec.UserID)
	}

	var users []userRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to load authors: %w", err)
	}
	out := make(map[string]chat.User, len(users))
	for _, u := range users {
		out[u.ID] = u.toDomain()
	}
	return out, nil
}

// ClampLimit bounds a requested page size to 1..MaxPageSize, using
// DefaultPageSize for non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// FormatCursor encodes a creation time as a history cursor.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseCursor decodes a history cursor.
func ParseCursor(cursor string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, cursor)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return t, nil
}
