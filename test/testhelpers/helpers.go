// Package testhelpers provides common utilities for the roomchat integration tests.
//
// It starts fully wired nodes behind httptest servers, issues identities,
// dials websocket clients and reads protocol frames so that test files stay
// focused on behavior.
package testhelpers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/app"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// TestSecret signs identities in tests.
const TestSecret = "integration-test-secret-0123456789abcdef"

// DefaultTimeout bounds every blocking read in the helpers.
const DefaultTimeout = 3 * time.Second

// NewConfig returns a configuration for a node backed by a temporary database.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Security.JWTSecret = TestSecret
	cfg.Security.AllowedOrigins = []string{"http://localhost:8080"}
	cfg.Database.Path = filepath.Join(t.TempDir(), "roomchat.db")
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Server.APIRequestsPerMinute = 10000
	cfg.Server.RateLimit.Burst = 100
	return cfg
}

// Node is a running roomchat node.
type Node struct {
	*httptest.Server
	App *app.App
}

// StartNode builds a node from cfg and serves it until the test ends.
func StartNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	a, err := app.New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	n := &Node{Server: srv, App: a}
	t.Cleanup(n.Stop)
	return n
}

// Stop drains the node's sessions and closes the HTTP server. It can be called
// more than once.
func (n *Node) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.App.Close(ctx)
	n.Server.Close()
}

// WebSocketURL returns the websocket endpoint of the node.
func (n *Node) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(n.URL, "http") + "/ws"
}

// Token issues an identity token for user.
func (n *Node) Token(t *testing.T, user chat.User) string {
	t.Helper()
	tok, err := n.App.Auth.Issue(user)
	require.NoError(t, err)
	return tok
}

// CreateRoom creates a room through the HTTP API.
func (n *Node) CreateRoom(t *testing.T, token, name string) chat.Room {
	t.Helper()
	body, err := json.Marshal(map[string]string{"name": name})
	require.NoError(t, err)

	resp := n.Do(t, http.MethodPost, "/api/rooms", token, body)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var room chat.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	return room
}

// Do performs an HTTP request against the node with an optional bearer token.
func (n *Node) Do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, n.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// Client is a websocket client speaking the frame protocol.
type Client struct {
	t    *testing.T
	Conn *websocket.Conn
}

// Dial opens a websocket connection with the allowed test origin. A non-empty
// token is passed as a query parameter.
func (n *Node) Dial(t *testing.T, token string) *Client {
	t.Helper()
	c, err := n.TryDial(token, "http://localhost:8080")
	require.NoError(t, err)
	return c.bind(t)
}

// TryDial opens a websocket connection without failing the test.
func (n *Node) TryDial(token, origin string) (*Client, error) {
	url := n.WebSocketURL()
	if token != "" {
		url += "?token=" + token
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &Client{Conn: conn}, nil
}

func (c *Client) bind(t *testing.T) *Client {
	c.t = t
	t.Cleanup(func() { _ = c.Conn.Close() })
	return c
}

// Emit writes one frame.
func (c *Client) Emit(event string, data any) {
	c.t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.Conn.WriteMessage(websocket.TextMessage, raw))
}

// Next reads the next frame.
func (c *Client) Next() (protocol.Frame, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return protocol.Frame{}, err
	}
	_, raw, err := c.Conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.DecodeFrame(raw)
}

// Expect reads the next frame and requires it to carry event.
func (c *Client) Expect(event string) protocol.Frame {
	c.t.Helper()
	f, err := c.Next()
	require.NoError(c.t, err, "waiting for %s", event)
	require.Equal(c.t, event, f.Event, "unexpected frame: %s", f.Data)
	return f
}

// ExpectEntry reads a message frame and decodes its entry.
func (c *Client) ExpectEntry(event string) chat.Entry {
	c.t.Helper()
	f := c.Expect(event)
	var e chat.Entry
	require.NoError(c.t, json.Unmarshal(f.Data, &e))
	return e
}

// ExpectError reads an error frame and decodes it.
func (c *Client) ExpectError() protocol.ErrorPayload {
	c.t.Helper()
	f := c.Expect(protocol.EventError)
	var p protocol.ErrorPayload
	require.NoError(c.t, json.Unmarshal(f.Data, &p))
	return p
}

// ExpectSilence requires that no frame arrives within d. The read deadline
// leaves the connection unusable for further reads.
func (c *Client) ExpectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(d)))
	_, raw, err := c.Conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame: %s", raw)
}

// Join joins roomID and waits for the acknowledgement.
func (c *Client) Join(roomID string) {
	c.t.Helper()
	c.Emit(protocol.EventJoinRoom, roomID)
	c.Expect(protocol.EventRoomJoined)
}

// Send emits a text message to roomID.
func (c *Client) Send(roomID, text string) {
	c.t.Helper()
	c.Emit(protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:  roomID,
		Message: &protocol.MessageInput{Text: text, Type: chat.MessageTypeText},
	})
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	err := c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return c.Conn.Close()
}
