package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/roomchat/internal/logging"
)

// Timeouts holds http.Server timeouts. Zero values use the defaults.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
func CreateServer(port string, handler http.Handler, t Timeouts) *http.Server {
	if t.Read <= 0 {
		t.Read = 15 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 15 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 60 * time.Second
	}
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadTimeout:       t.Read,
		ReadHeaderTimeout: t.Read,
		WriteTimeout:      t.Write,
		IdleTimeout:       t.Idle,
	}
}

// StartServer starts the HTTP server and blocks until it exits. A server
// closed by ShutdownServer returns nil.
func StartServer(server *http.Server) error {
	logging.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// Hijacked websocket connections are not tracked by http.Server; close them through the session hub.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	logging.Info().Msg("shutting down HTTP server")

	if err := server.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	logging.Info().Msg("HTTP server shutdown completed")
	return nil
}
