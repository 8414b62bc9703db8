package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/logging"
)

// ErrHubClosed is returned by Start once Shutdown has begun.
var ErrHubClosed = errors.New("hub is shutting down")

// Hub owns the pump goroutines of every live session so they can be drained
// on shutdown.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		log:      logging.With("hub"),
	}
}

// Start launches the read and write pumps of s. Handlers must be registered
// before Start is called.
func (h *Hub) Start(s *Session) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.wg.Add(3)
	h.mu.Unlock()

	h.log.Debug().Str("conn_id", s.ID()).Str("addr", s.Addr()).Int("sessions", count).Msg("session started")

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
	go func() {
		defer h.wg.Done()
		defer h.remove(s)
		s.dispatchPump()
	}()
	return nil
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug().Str("conn_id", s.ID()).Int("sessions", count).Msg("session ended")
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session and waits for their goroutines, or until
// timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	h.log.Info().Int("sessions", len(sessions)).Msg("shutting down all client connections")
	for _, s := range sessions {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Dur("timeout", timeout).Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
