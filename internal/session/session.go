// Package session adapts one websocket connection to named events. A reader
// goroutine queues inbound frames for a dispatcher goroutine that runs the
// registered handlers one at a time, and outbound events are written in Emit
// order by a single writer goroutine.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

var (
	// ErrClosed is returned by Emit once the session has been closed.
	ErrClosed = errors.New("session closed")
	// ErrSlowConsumer is returned when the outbound queue is full. The session
	// is closed when it happens.
	ErrSlowConsumer = errors.New("outbound queue full")
	// ErrUnknownEvent is reported for frames naming an event with no handler.
	ErrUnknownEvent = errors.New("unknown event")
)

// Handler processes the payload of one inbound event.
type Handler func(ctx context.Context, data json.RawMessage)

// InvalidHandler is told about frames that could not be dispatched.
type InvalidHandler func(event string, err error)

// Config holds per-connection transport settings.
type Config struct {
	MaxMessageSize int64
	SendBuffer     int
	InboundBuffer  int
	RateLimit      RateLimitConfig
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
}

// DefaultConfig returns the transport settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 16384,
		SendBuffer:     256,
		InboundBuffer:  32,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
		WriteWait:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = d.InboundBuffer
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}

// Session is one client websocket connection.
type Session struct {
	id   string
	addr string
	conn *websocket.Conn
	cfg  Config
	log  zerolog.Logger

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan []byte

	mu        sync.Mutex
	send      chan []byte
	closed    bool
	user      chat.User
	handlers  map[string]Handler
	onInvalid InvalidHandler
	onClose   []func()

	closeOnce sync.Once
	hooksOnce sync.Once
}

// New wraps conn. The pumps are started by Hub.Start. conn may be nil in tests
// that never start the pumps.
func New(conn *websocket.Conn, addr string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:       id,
		addr:     addr,
		conn:     conn,
		cfg:      cfg,
		log:      logging.With("session").With().Str("conn_id", id).Str("addr", addr).Logger(),
		limiter:  newLimiter(cfg.RateLimit),
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan []byte, cfg.InboundBuffer),
		send:     make(chan []byte, cfg.SendBuffer),
		handlers: make(map[string]Handler),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Addr returns the remote address.
func (s *Session) Addr() string { return s.addr }

// Context is canceled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// User returns the identity resolved at upgrade time, if any.
func (s *Session) User() chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser records the identity resolved at upgrade time.
func (s *Session) SetUser(user chat.User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// On registers the handler for an inbound event, replacing any previous one.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// OnInvalid registers the hook for malformed frames and unknown events.
func (s *Session) OnInvalid(h InvalidHandler) {
	s.mu.Lock()
	s.onInvalid = h
	s.mu.Unlock()
}

// OnClose registers a hook run once after the connection is gone.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Emit queues an outbound event.
func (s *Session) Emit(event string, payload any) error {
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return s.Send(raw)
}

// Send queues an already encoded frame.
func (s *Session) Send(raw []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	select {
	case s.send <- raw:
		s.mu.Unlock()
		return nil
	default:
	}
	s.mu.Unlock()

	s.log.Warn().Int("buffer", s.cfg.SendBuffer).Msg("send buffer full; closing slow connection")
	_ = s.Close()
	return ErrSlowConsumer
}

// Close stops accepting outbound events, flushes what is queued and closes
// the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		s.cancel()
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) runCloseHooks() {
	s.hooksOnce.Do(func() {
		s.mu.Lock()
		hooks := append([]func(){}, s.onClose...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (s *Session) handler(event string) (Handler, InvalidHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[event], s.onInvalid
}

// dispatch decodes one raw frame and runs its handler on the calling goroutine.
func (s *Session) dispatch(raw []byte) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed frame")
		if _, invalid := s.handler(""); invalid != nil {
			invalid("", err)
		}
		return
	}

	h, invalid := s.handler(frame.Event)
	if h == nil {
		s.log.Debug().Str("event", frame.Event).Msg("no handler for event")
		if invalid != nil {
			invalid(frame.Event, ErrUnknownEvent)
		}
		return
	}
	h(s.ctx, frame.Data)
}

// setupReadConnection configures read deadlines and pong handler.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.log.Debug().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError records why the read loop stopped.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn().Int64("limit", s.cfg.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		s.log.Debug().Err(err).Msg("connection closed")
	default:
		s.log.Info().Err(err).Msg("websocket read error")
	}
}

// allow reports whether the next inbound frame is within the rate limit.
func (s *Session) allow() bool {
	if s.limiter.Allow() {
		return true
	}
	s.log.Warn().
		Int("burst", s.cfg.RateLimit.Burst).
		Dur("refill_interval", s.cfg.RateLimit.RefillInterval).
		Msg("rate limit exceeded; discarding message")
	return false
}

// queue hands a frame to the dispatcher without blocking the reader.
func (s *Session) queue(raw []byte) {
	select {
	case s.inbound <- raw:
	default:
		s.log.Warn().Int("buffer", s.cfg.InboundBuffer).Msg("inbound queue full; discarding message")
	}
}

// readPump closes the session as soon as the connection fails, so handlers
// still running see their context canceled.
func (s *Session) readPump() {
	defer func() {
		_ = s.Close()
		s.closeConn()
		close(s.inbound)
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if !s.allow() {
			continue
		}
		s.queue(raw)
	}
}

// dispatchPump runs queued frames in arrival order. Close hooks run after the
// last handler has returned.
func (s *Session) dispatchPump() {
	defer s.runCloseHooks()

	for raw := range s.inbound {
		if s.ctx.Err() != nil {
			continue
		}
		s.dispatch(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Close()
		s.closeConn()
	}()

	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				s.writeClose()
				return
			}
			if !s.write(websocket.TextMessage, raw) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

func (s *Session) writeClose() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("error writing close message")
	}
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("error closing connection")
	}
}
