// Package registry tracks live client connections and the rooms each one is
// subscribed to. It is the single shared mutable structure of the broker:
// every membership change goes through Register, Join, Leave and Deregister.
//
// Room channels are not stored anywhere else. A room's member set is created
// on the first Join and dropped when its last member leaves.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Registry errors
var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrInvalidConnection   = errors.New("connection id and endpoint are required")
)

// Endpoint delivers outbound events to one connection. Implementations must
// preserve the order of Emit calls.
type Endpoint interface {
	Emit(event string, payload any) error
	Close() error
}

// Connection is the registry's record of one live transport connection.
type Connection struct {
	ID       string
	User     chat.User
	Rooms    map[string]struct{}
	Endpoint Endpoint
}

// Authenticated reports whether an identity has been attached.
func (c *Connection) Authenticated() bool {
	return !c.User.IsZero()
}

// Member is a snapshot of one room member, safe to use after the registry
// lock has been released.
type Member struct {
	ConnID   string
	User     chat.User
	Endpoint Endpoint
}

// Registry maps connection ids to connections and room ids to member sets.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register creates an empty, unauthenticated connection record.
func (r *Registry) Register(id string, ep Endpoint) error {
	if id == "" || ep == nil {
		return ErrInvalidConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &Connection{
		ID:       id,
		Rooms:    make(map[string]struct{}),
		Endpoint: ep,
	}
	return nil
}

// AttachIdentity binds a user identity to a registered connection.
func (r *Registry) AttachIdentity(id string, user chat.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	conn.User = user
	return nil
}

// Join adds the connection to the room. Joining a room twice is a no-op.
func (r *Registry) Join(id, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[id] = struct{}{}
	conn.Rooms[roomID] = struct{}{}
	return nil
}

// Leave removes the connection from the room. Leaving a room that was not
// joined is a no-op.
func (r *Registry) Leave(id, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	delete(conn.Rooms, roomID)
	r.removeMemberLocked(roomID, id)
	return nil
}

// Deregister removes the connection from every room it belongs to and then
// deletes it. It reports whether the connection was known; calling it for an
// id that never registered is safe.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	for roomID := range conn.Rooms {
		r.removeMemberLocked(roomID, id)
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) removeMemberLocked(roomID, id string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// MembersOf returns a snapshot of the room's members ordered by connection
// id. The set may change as soon as the call returns.
func (r *Registry) MembersOf(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.rooms[roomID]
	members := make([]Member, 0, len(ids))
	for id := range ids {
		conn, ok := r.conns[id]
		if !ok {
			continue
		}
		members = append(members, Member{ConnID: id, User: conn.User, Endpoint: conn.Endpoint})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ConnID < members[j].ConnID
	})
	return members
}

// Lookup returns a snapshot of a single connection.
func (r *Registry) Lookup(id string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return Member{}, ErrUnknownConnection
	}
	return Member{ConnID: id, User: conn.User, Endpoint: conn.Endpoint}, nil
}

// IsMember reports whether the connection currently belongs to the room.
func (r *Registry) IsMember(id, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][id]
	return ok
}

// RoomsOf returns the sorted room ids the connection has joined.
func (r *Registry) RoomsOf(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	rooms := lo.Keys(conn.Rooms)
	sort.Strings(rooms)
	return rooms, nil
}

// Stats returns the number of live connections and materialized rooms.
func (r *Registry) Stats() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.rooms)
}

