package broker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/session"
)

// serve binds every upgraded connection to f's broker. The user query
// parameter picks the connection's identity.
func (f *fixture) serve(t *testing.T) *httptest.Server {
	t.Helper()
	users := map[string]chat.User{"alice": alice, "bob": bob}
	hub := session.NewHub()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := session.New(conn, r.RemoteAddr, session.Config{})
		s.SetUser(users[r.URL.Query().Get("user")])
		if err := f.b.Bind(s); err != nil {
			t.Errorf("bind session: %v", err)
			_ = conn.Close()
			return
		}
		if err := hub.Start(s); err != nil {
			t.Errorf("start session: %v", err)
		}
	}))
	t.Cleanup(func() {
		_ = hub.Shutdown(time.Second)
		srv.Close()
	})
	return srv
}

func dialAs(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func expectFrame(t *testing.T, conn *websocket.Conn, event string) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, event, f.Event, "frame %s", raw)
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", raw)
}

func TestSenderSocketClosedMidSendBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.gw.before = func() {
		close(entered)
		<-release
	}
	srv := f.serve(t)
	c1 := dialAs(t, srv, "alice")
	c2 := dialAs(t, srv, "bob")
	emit(t, c1, protocol.EventJoinRoom, "r1")
	expectFrame(t, c1, protocol.EventRoomJoined)
	emit(t, c2, protocol.EventJoinRoom, "r1")
	expectFrame(t, c2, protocol.EventRoomJoined)

	emit(t, c1, protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:  "r1",
		Message: &protocol.MessageInput{Text: "hello"},
	})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never written")
	}

	_ = c1.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.NoError(t, c1.Close())
	time.Sleep(200 * time.Millisecond)
	close(release)

	expectNoFrame(t, c2, 300*time.Millisecond)
	require.Eventually(t, func() bool {
		conns, _ := f.reg.Stats()
		return conns == 1
	}, time.Second, 10*time.Millisecond)

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	assert.Len(t, f.gw.saved, 1)
}

func TestPaddedRoomIDMatchesJoinedRoom(t *testing.T) {
	f := newFixture(t)
	srv := f.serve(t)
	c1 := dialAs(t, srv, "alice")
	c2 := dialAs(t, srv, "bob")
	emit(t, c1, protocol.EventJoinRoom, " r1")
	expectFrame(t, c1, protocol.EventRoomJoined)
	emit(t, c2, protocol.EventJoinRoom, "r1")
	expectFrame(t, c2, protocol.EventRoomJoined)

	emit(t, c1, protocol.EventTyping, protocol.TypingPayload{RoomID: " r1", IsTyping: true})
	expectFrame(t, c2, protocol.EventUserTyping)

	emit(t, c1, protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:  " r1 ",
		Message: &protocol.MessageInput{Text: "hello"},
	})
	expectFrame(t, c1, protocol.EventMessageSent)
	got := expectFrame(t, c2, protocol.EventReceiveMessage)
	entry := decodeEntry(t, got.Data)
	assert.Equal(t, "r1", entry.Message.RoomID)
	assert.Equal(t, "hello", entry.Message.Text)
}
