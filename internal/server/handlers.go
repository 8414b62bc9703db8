package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/Tyrowin/roomchat/internal/store"
)

// RoomStore is the part of the persistence gateway served over HTTP.
type RoomStore interface {
	CreateRoom(ctx context.Context, in store.NewRoom) (chat.Room, error)
	GetRoom(ctx context.Context, id string) (chat.Room, error)
	ListMessages(ctx context.Context, roomID, cursor string, limit int) (store.Page, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Broker  *broker.Broker
	Hub     *session.Hub
	Auth    *auth.Manager
	Store   RoomStore
	Origins *OriginPolicy
	Session session.Config
}

// Handlers serves every HTTP endpoint.
type Handlers struct {
	deps     Deps
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	if deps.Origins == nil {
		deps.Origins = NewOriginPolicy(nil)
	}
	return &Handlers{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     deps.Origins.CheckOrigin,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.With("http"),
	}
}

// WebSocketHandler upgrades the request and hands the connection to the
// broker. A token in the request attaches the identity up front; an invalid
// token is refused before the upgrade.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var user chat.User
	if token := auth.TokenFromRequest(r); token != "" {
		u, err := h.deps.Auth.Authenticate(token)
		if err != nil {
			h.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("rejected websocket token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		user = u
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s := session.New(conn, r.RemoteAddr, h.deps.Session)
	s.SetUser(user)

	if err := h.deps.Broker.Bind(s); err != nil {
		h.log.Error().Err(err).Str("conn_id", s.ID()).Msg("failed to register connection")
		_ = conn.Close()
		return
	}
	if err := h.deps.Hub.Start(s); err != nil {
		h.deps.Broker.HandleDisconnect(s.ID())
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		_ = conn.Close()
		return
	}

	h.log.Info().Str("conn_id", s.ID()).Str("addr", r.RemoteAddr).Str("user_id", user.ID).Msg("client connected")
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "roomchat server is running!")
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Sessions    int    `json:"sessions"`
}

// HealthzHandler reports registry counters as JSON.
func (h *Handlers) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	conns, rooms := h.deps.Broker.Registry().Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: conns,
		Rooms:       rooms,
		Sessions:    h.deps.Hub.Count(),
	})
}

type createRoomRequest struct {
	Name string `json:"name" validate:"required,max=100"`
	Type string `json:"type" validate:"omitempty,oneof=group ptp"`
}

// CreateRoomHandler creates a room administered by the caller.
func (h *Handlers) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "name is required (max 100 characters) and type must be group or ptp")
		return
	}

	room, err := h.deps.Store.CreateRoom(r.Context(), store.NewRoom{Name: req.Name, Type: req.Type, AdminUserID: user.ID})
	if err != nil {
		if errors.Is(err, store.ErrInvalidRoom) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("failed to create room")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// MessagesHandler serves one page of room history, newest first.
func (h *Handlers) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	if _, err := h.deps.Store.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to load room")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	page, err := h.deps.Store.ListMessages(r.Context(), roomID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("error writing JSON response")
	}
}

// TestPageHandler serves an HTML page for trying the websocket protocol by hand.
func (h *Handlers) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.log.Debug().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; font-family: monospace; }
        input[type="text"] { width: 240px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .row { margin: 6px 0; }
        .out { color: blue; }
        .in { color: green; }
        .err { color: #721c24; }
    </style>
</head>
<body>
    <h1>roomchat test</h1>
    <div class="row">
        <input type="text" id="token" placeholder="token (optional)">
        <button id="connect">Connect</button>
    </div>
    <div class="row">
        <input type="text" id="room" placeholder="room id">
        <button id="join">Join</button>
        <button id="leave">Leave</button>
    </div>
    <div class="row">
        <input type="text" id="text" placeholder="message">
        <button id="send">Send</button>
    </div>
    <div id="events"></div>
    <script>
        let ws = null;
        const events = document.getElementById('events');
        const val = id => document.getElementById(id).value.trim();

        function log(line, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = line;
            events.appendChild(el);
            events.scrollTop = events.scrollHeight;
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { log('not connected', 'err'); return; }
            const frame = JSON.stringify(data === undefined ? { event } : { event, data });
            ws.send(frame);
            log('> ' + frame, 'out');
        }

        document.getElementById('connect').onclick = () => {
            if (ws) { ws.close(); return; }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = val('token');
            ws = new WebSocket(scheme + location.host + '/ws' + (token ? '?token=' + encodeURIComponent(token) : ''));
            ws.onopen = () => { log('connected', 'in'); document.getElementById('connect').textContent = 'Disconnect'; };
            ws.onmessage = e => log('< ' + e.data, 'in');
            ws.onclose = () => { log('closed', 'err'); ws = null; document.getElementById('connect').textContent = 'Connect'; };
        };
        document.getElementById('join').onclick = () => emit('join_room', val('room'));
        document.getElementById('leave').onclick = () => emit('leave_room', val('room'));
        document.getElementById('send').onclick = () => emit('send_message', { roomId: val('room'), message: { text: val('text'), type: 'text' } });
        document.getElementById('text').addEventListener('keypress', e => { if (e.key === 'Enter') document.getElementById('send').click(); });
    </script>
</body>
</html>`
