package store

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// ErrBreakerOpen is returned without touching the database while the breaker is open.
var ErrBreakerOpen = errors.New("persistence temporarily unavailable")

// Gateway is the message side of the store used by the event broker.
type Gateway interface {
	CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error)
	ListMessages(ctx context.Context, roomID, cursor string, limit int) (Page, error)
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns the breaker settings used by the server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "store",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Guarded wraps a Gateway with a circuit breaker on writes. Reads pass through.
type Guarded struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[chat.Message]
}

// NewGuarded creates a breaker-protected gateway.
func NewGuarded(next Gateway, cfg BreakerConfig) *Guarded {
	log := logging.With("store")
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	return &Guarded{next: next, cb: gobreaker.NewCircuitBreaker[chat.Message](settings)}
}

// isBreakerSuccess keeps caller mistakes from tripping the breaker; only
// storage failures count.
func isBreakerSuccess(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrMissingAuthor),
		errors.Is(err, chat.ErrEmptyText),
		errors.Is(err, chat.ErrTextTooLong),
		errors.Is(err, chat.ErrInvalidType),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}

// CreateMessage writes through the breaker.
func (g *Guarded) CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	msg, err := g.cb.Execute(func() (chat.Message, error) {
		return g.next.CreateMessage(ctx, in)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return chat.Message{}, ErrBreakerOpen
	}
	return msg, err
}

// ListMessages reads directly from the wrapped gateway.
func (g *Guarded) ListMessages(ctx context.Context, roomID, cursor string, limit int) (Page, error) {
	return g.next.ListMessages(ctx, roomID, cursor, limit)
}

// State reports the breaker state name.
func (g *Guarded) State() string {
	return g.cb.State().String()
}
