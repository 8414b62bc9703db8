// Package app assembles the roomchat service from its configuration: store,
// breaker, identity, registry, broker, relay and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/registry"
	"github.com/Tyrowin/roomchat/internal/relay"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/Tyrowin/roomchat/internal/store"
)

// App is a fully wired roomchat node.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	Store  *store.Store
	Auth   *auth.Manager
	Broker *broker.Broker
	Hub    *session.Hub

	relay    *relay.Relay
	embedded *relay.EmbeddedServer
	handler  http.Handler
	server   *http.Server
}

// New builds every component named by cfg. On error, whatever was already
// started is released.
func New(cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg, log: logging.With("app")}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Store, err = store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a.Auth, err = auth.NewManager(cfg.Security.JWTSecret, cfg.Security.SessionTimeout)
	if err != nil {
		return nil, err
	}

	bcfg := store.DefaultBreakerConfig()
	bcfg.FailureThreshold = cfg.Breaker.FailureThreshold
	bcfg.Timeout = cfg.Breaker.Timeout
	bcfg.Interval = cfg.Breaker.Interval
	guarded := store.NewGuarded(a.Store, bcfg)

	opts := []broker.Option{broker.WithAuthenticator(a.Auth)}
	if cfg.NATS.Enabled {
		if err = a.connectRelay(); err != nil {
			return nil, err
		}
		opts = append(opts, broker.WithRelay(a.relay))
	}

	a.Broker = broker.New(registry.New(), guarded, opts...)
	if a.relay != nil {
		if err = a.relay.Subscribe(a.Broker.DeliverRemote); err != nil {
			return nil, err
		}
	}

	a.Hub = session.NewHub()
	h := server.NewHandlers(server.Deps{
		Broker:  a.Broker,
		Hub:     a.Hub,
		Auth:    a.Auth,
		Store:   a.Store,
		Origins: server.NewOriginPolicy(cfg.Security.AllowedOrigins),
		Session: session.Config{
			MaxMessageSize: cfg.Server.MaxMessageSize,
			SendBuffer:     cfg.Server.SendBuffer,
			RateLimit: session.RateLimitConfig{
				Burst:          cfg.Server.RateLimit.Burst,
				RefillInterval: cfg.Server.RateLimit.RefillInterval,
			},
		},
	})
	a.handler = server.SetupRoutes(h, server.RouteOptions{APIRequestsPerMinute: cfg.Server.APIRequestsPerMinute})
	a.server = server.CreateServer(cfg.Server.Port, a.handler, server.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	})
	return a, nil
}

func (a *App) connectRelay() error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		ns, err := relay.StartEmbedded(relay.EmbeddedConfig{Host: a.cfg.NATS.Host, Port: a.cfg.NATS.Port})
		if err != nil {
			return err
		}
		a.embedded = ns
		url = ns.ClientURL()
		a.log.Info().Str("url", url).Msg("embedded NATS server started")
	}

	r, err := relay.Connect(relay.Config{URL: url, Subject: a.cfg.NATS.Subject, NodeID: a.cfg.NATS.NodeID})
	if err != nil {
		return err
	}
	a.relay = r
	return nil
}

// Handler returns the HTTP routes of the node.
func (a *App) Handler() http.Handler {
	return a.handler
}

// RelayURL returns the client URL of the embedded NATS server, if one runs.
func (a *App) RelayURL() string {
	if a.embedded == nil {
		return ""
	}
	return a.embedded.ClientURL()
}

// Run serves HTTP on the configured port until Shutdown is called.
func (a *App) Run() error {
	return server.StartServer(a.server)
}

// Shutdown stops accepting HTTP requests, then drains sessions and releases
// the relay and store.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := server.ShutdownServer(ctx, a.server); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains sessions and releases the relay and store without touching
// the HTTP listener. It is used when the handler is served elsewhere.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Hub != nil {
		if err := a.Hub.Shutdown(remaining(ctx, a.cfg.Server.ShutdownTimeout)); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
		a.relay = nil
	}
	if a.embedded != nil {
		if err := a.embedded.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
		a.embedded = nil
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		a.Store = nil
	}
	return errors.Join(errs...)
}

func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}
