package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

type nopEndpoint struct{}

func (nopEndpoint) Emit(string, any) error { return nil }
func (nopEndpoint) Close() error           { return nil }

func memberIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ConnID)
	}
	return ids
}

func newRegistered(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := New()
	for _, id := range ids {
		require.NoError(t, r.Register(id, nopEndpoint{}))
	}
	return r
}

func TestRegisterRejectsInvalidAndDuplicate(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register("", nopEndpoint{}), ErrInvalidConnection)
	assert.ErrorIs(t, r.Register("c1", nil), ErrInvalidConnection)
	require.NoError(t, r.Register("c1", nopEndpoint{}))
	assert.ErrorIs(t, r.Register("c1", nopEndpoint{}), ErrDuplicateConnection)
}

func TestAttachIdentity(t *testing.T) {
	r := newRegistered(t, "c1")

	assert.ErrorIs(t, r.AttachIdentity("missing", chat.User{ID: "u1"}), ErrUnknownConnection)
	require.NoError(t, r.AttachIdentity("c1", chat.User{ID: "u1", Name: "Ada"}))

	m, err := r.Lookup("c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", m.User.ID)

	r.Deregister("c1")
	assert.ErrorIs(t, r.AttachIdentity("c1", chat.User{ID: "u1"}), ErrUnknownConnection)
}

func TestJoinThenLeaveRemovesMembership(t *testing.T) {
	r := newRegistered(t, "c1", "c2")

	require.NoError(t, r.Join("c1", "r1"))
	require.NoError(t, r.Join("c2", "r1"))
	require.NoError(t, r.Leave("c1", "r1"))

	assert.Equal(t, []string{"c2"}, memberIDs(r.MembersOf("r1")))
	assert.False(t, r.IsMember("c1", "r1"))
}

func TestJoinIsIdempotent(t *testing.T) {
	r := newRegistered(t, "c1")

	require.NoError(t, r.Join("c1", "r1"))
	once := memberIDs(r.MembersOf("r1"))
	require.NoError(t, r.Join("c1", "r1"))

	assert.Equal(t, once, memberIDs(r.MembersOf("r1")))
	rooms, err := r.RoomsOf("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, rooms)
}

func TestLeaveNotJoinedIsNoop(t *testing.T) {
	r := newRegistered(t, "c1")
	assert.NoError(t, r.Leave("c1", "never"))
	assert.ErrorIs(t, r.Leave("ghost", "r1"), ErrUnknownConnection)
}

func TestJoinUnknownConnection(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Join("ghost", "r1"), ErrUnknownConnection)
	_, rooms := r.Stats()
	assert.Zero(t, rooms)
}

func TestDeregisterRemovesFromEveryRoom(t *testing.T) {
	r := newRegistered(t, "c1", "c2")
	for _, room := range []string{"r1", "r2", "r3"} {
		require.NoError(t, r.Join("c1", room))
	}
	require.NoError(t, r.Join("c2", "r2"))

	assert.True(t, r.Deregister("c1"))

	for _, room := range []string{"r1", "r2", "r3"} {
		assert.NotContains(t, memberIDs(r.MembersOf(room)), "c1", room)
	}
	conns, rooms := r.Stats()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, rooms, "empty rooms are dropped")

	_, err := r.Lookup("c1")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestDeregisterUnknownIsSafe(t *testing.T) {
	r := New()
	assert.False(t, r.Deregister("never-registered"))
	require.NoError(t, r.Register("c1", nopEndpoint{}))
	assert.True(t, r.Deregister("c1"))
	assert.False(t, r.Deregister("c1"))
}

func TestMembersOfIsSnapshot(t *testing.T) {
	r := newRegistered(t, "c1", "c2")
	require.NoError(t, r.Join("c1", "r1"))

	snapshot := r.MembersOf("r1")
	require.NoError(t, r.Join("c2", "r1"))

	assert.Equal(t, []string{"c1"}, memberIDs(snapshot))
	assert.Equal(t, []string{"c1", "c2"}, memberIDs(r.MembersOf("r1")))
	assert.Empty(t, r.MembersOf("unknown-room"))
}

func TestConcurrentMembershipChanges(t *testing.T) {
	r := New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%02d", i)
			if err := r.Register(id, nopEndpoint{}); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_ = r.Join(id, "shared")
			_ = r.Join(id, fmt.Sprintf("own-%d", i))
			_ = r.MembersOf("shared")
			if i%2 == 0 {
				r.Deregister(id)
			}
		}(i)
	}
	wg.Wait()

	conns, _ := r.Stats()
	assert.Equal(t, n/2, conns)
	assert.Len(t, r.MembersOf("shared"), n/2)
	for _, m := range r.MembersOf("shared") {
		rooms, err := r.RoomsOf(m.ConnID)
		require.NoError(t, err)
		assert.Len(t, rooms, 2)
	}
}
