package integration

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/test/testhelpers"
)

// TestOriginValidation verifies only configured origins may open connections.
func TestOriginValidation(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"configured origin", "http://localhost:8080", true},
		{"configured origin with different case", "http://LOCALHOST:8080", true},
		{"other port", "http://localhost:3000", false},
		{"other host", "http://evil.example", false},
		{"missing origin", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := node.TryDial("", tc.origin)
			if tc.allowed {
				require.NoError(t, err)
				_ = c.Conn.Close()
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, websocket.ErrBadHandshake))
		})
	}
}

// TestInvalidTokenRejectedBeforeUpgrade verifies a bad token never gets a socket.
func TestInvalidTokenRejectedBeforeUpgrade(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))

	_, err := node.TryDial("not-a-token", "http://localhost:8080")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)

	other := testhelpers.NewConfig(t)
	other.Security.JWTSecret = strings.Repeat("x", 40)
	foreign := testhelpers.StartNode(t, other)
	_, err = node.TryDial(foreign.Token(t, chat.User{ID: "mallory"}), "http://localhost:8080")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

// TestOversizedFrameClosesConnection verifies frames above the read limit
// terminate the session.
func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := testhelpers.NewConfig(t)
	cfg.Server.MaxMessageSize = 1024
	node := testhelpers.StartNode(t, cfg)
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))
	alice.Join("general")

	alice.Send("general", strings.Repeat("a", 4096))

	_, err := alice.Next()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		conns, _ := node.App.Broker.Registry().Stats()
		return conns == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRateLimitDropsExcessFrames verifies frames beyond the burst are dropped
// without closing the connection.
func TestRateLimitDropsExcessFrames(t *testing.T) {
	cfg := testhelpers.NewConfig(t)
	cfg.Server.RateLimit.Burst = 3
	cfg.Server.RateLimit.RefillInterval = time.Minute
	node := testhelpers.StartNode(t, cfg)
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))

	for i := 0; i < 6; i++ {
		alice.Emit(protocol.EventJoinRoom, "general")
	}

	for i := 0; i < 3; i++ {
		alice.Expect(protocol.EventRoomJoined)
	}
	alice.ExpectSilence(silence)
}

// TestAPIRateLimit verifies the history API is limited per client IP.
func TestAPIRateLimit(t *testing.T) {
	cfg := testhelpers.NewConfig(t)
	cfg.Server.APIRequestsPerMinute = 2
	node := testhelpers.StartNode(t, cfg)
	tok := node.Token(t, chat.User{ID: "alice"})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := node.Do(t, http.MethodGet, "/api/rooms/missing/messages", tok, nil)
		_ = resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, statuses)
}

// TestIdentityCannotBeSwitched verifies a connection stays bound to the
// identity it started with.
func TestIdentityCannotBeSwitched(t *testing.T) {
	node := testhelpers.StartNode(t, testhelpers.NewConfig(t))
	alice := node.Dial(t, node.Token(t, chat.User{ID: "alice"}))

	alice.Emit(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: node.Token(t, chat.User{ID: "bob"})})
	assert.Equal(t, protocol.CodeUnauthorized, alice.ExpectError().Code)

	alice.Join("general")
	alice.Emit(protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:  "general",
		Message: &protocol.MessageInput{Text: "as bob"},
		User:    &chat.User{ID: "bob"},
	})
	assert.Equal(t, protocol.CodeUnauthorized, alice.ExpectError().Code)
}
