package integration

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/test/testhelpers"
)

const silence = 200 * time.Millisecond

// TestRoomMessageDelivery covers a message sent to a room with two members
// and one outsider: the sender gets message_sent, the other member gets
// receive_message and the outsider gets nothing.
func TestRoomMessageDelivery(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	aliceTok := node.Token(t, chat.User{ID: "alice", Name: "Alice"})
	room := node.CreateRoom(t, aliceTok, "general")

	alice := node.Dial(t, aliceTok)
	bob := node.Dial(t, node.Token(t, chat.User{ID: "bob", Name: "Bob"}))
	carol := node.Dial(t, node.Token(t, chat.User{ID: "carol"}))

	alice.Join(room.ID)
	bob.Join(room.ID)

	alice.Send(room.ID, "hello")

	sent := alice.ExpectEntry(protocol.EventMessageSent)
	got := bob.ExpectEntry(protocol.EventReceiveMessage)
	assert.Equal(t, sent.Message.ID, got.Message.ID)
	assert.Equal(t, "hello", got.Message.Text)
	assert.Equal(t, room.ID, got.Message.RoomID)
	assert.Equal(t, "alice", got.User.ID)
	assert.Equal(t, "Alice", got.User.Name)

	alice.ExpectSilence(silence)
	carol.ExpectSilence(silence)
}

// TestAuthenticateEvent verifies an anonymous connection can attach an
// identity in-band and then join rooms.
func TestAuthenticateEvent(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	c := node.Dial(t, "")

	c.Emit(protocol.EventJoinRoom, "general")
	perr := c.ExpectError()
	assert.Equal(t, protocol.CodeUnauthorized, perr.Code)
	assert.Equal(t, protocol.EventJoinRoom, perr.Event)

	c.Emit(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: "nope"})
	assert.Equal(t, protocol.CodeUnauthorized, c.ExpectError().Code)

	c.Emit(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: node.Token(t, chat.User{ID: "dave"})})
	f := c.Expect(protocol.EventAuthenticated)
	var ack protocol.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.Equal(t, "dave", ack.UserID)

	c.Join("general")
}

// TestSendRequiresMembership verifies sending or typing into a room that was
// not joined is rejected to the sender only.
func TestSendRequiresMembership(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	aliceTok := node.Token(t, chat.User{ID: "alice"})
	room := node.CreateRoom(t, aliceTok, "general")

	alice := node.Dial(t, aliceTok)
	bob := node.Dial(t, node.Token(t, chat.User{ID: "bob"}))
	bob.Join(room.ID)

	alice.Send(room.ID, "sneaky")
	perr := alice.ExpectError()
	assert.Equal(t, protocol.CodeNotAMember, perr.Code)
	assert.Equal(t, room.ID, perr.RoomID)

	alice.Emit(protocol.EventTyping, protocol.TypingPayload{RoomID: room.ID, IsTyping: true})
	assert.Equal(t, protocol.CodeNotAMember, alice.ExpectError().Code)

	bob.ExpectSilence(silence)
}

// TestTypingIndicator verifies typing is relayed to the other members only.
func TestTypingIndicator(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))
	bob := node.Dial(t, node.Token(t, chat.User{ID: "bob"}))
	alice.Join("general")
	bob.Join("general")

	alice.Emit(protocol.EventTyping, protocol.TypingPayload{RoomID: "general", IsTyping: true})

	f := bob.Expect(protocol.EventUserTyping)
	var ind chat.TypingIndicator
	require.NoError(t, json.Unmarshal(f.Data, &ind))
	assert.Equal(t, chat.TypingIndicator{RoomID: "general", UserID: "alice", IsTyping: true}, ind)

	alice.ExpectSilence(silence)
}

// TestLeaveRoomStopsDelivery verifies a member that left no longer receives
// the room's messages.
func TestLeaveRoomStopsDelivery(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	aliceTok := node.Token(t, chat.User{ID: "alice"})
	room := node.CreateRoom(t, aliceTok, "general")

	alice := node.Dial(t, aliceTok)
	bob := node.Dial(t, node.Token(t, chat.User{ID: "bob"}))
	alice.Join(room.ID)
	bob.Join(room.ID)

	bob.Emit(protocol.EventLeaveRoom, room.ID)
	bob.Expect(protocol.EventRoomLeft)

	alice.Send(room.ID, "anyone?")
	alice.ExpectEntry(protocol.EventMessageSent)
	bob.ExpectSilence(silence)
}

// TestLogoutClosesConnection verifies logout deregisters and closes the socket.
func TestLogoutClosesConnection(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))
	alice.Join("general")

	alice.Emit(protocol.EventLogout, nil)

	_, err := alice.Next()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		conns, _ := node.App.Broker.Registry().Stats()
		return conns == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestDisconnectRemovesMembership verifies a dropped client is removed from
// every room it joined.
func TestDisconnectRemovesMembership(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))
	alice.Join("one")
	alice.Join("two")

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		conns, rooms := node.App.Broker.Registry().Stats()
		return conns == 0 && rooms == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, node.App.Broker.Registry().MembersOf("one"))
}

// TestMalformedFrames verifies undecodable and unknown frames produce a
// malformed_event error and leave the connection usable.
func TestMalformedFrames(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))

	require.NoError(t, alice.Conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, protocol.CodeMalformedEvent, alice.ExpectError().Code)

	alice.Emit("dance", nil)
	assert.Equal(t, protocol.CodeMalformedEvent, alice.ExpectError().Code)

	alice.Emit(protocol.EventSendMessage, map[string]any{"roomId": "general"})
	assert.Equal(t, protocol.CodeMalformedEvent, alice.ExpectError().Code)

	alice.Join("general")
}
