// Package auth resolves the identity behind a connection or HTTP request from
// an HMAC signed JWT.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// SessionCookie is the cookie consulted when no token parameter or bearer header is present.
const SessionCookie = "session_token"

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims represents JWT claims. The subject is the user id.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates identity tokens.
type Manager struct {
	secret  []byte
	timeout time.Duration
	issuer  string
}

// NewManager creates a token manager. The secret must not be empty.
func NewManager(secret string, timeout time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but was empty")
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), timeout: timeout, issuer: "roomchat"}, nil
}

// Issue signs a token for the user.
func (m *Manager) Issue(user chat.User) (string, error) {
	if user.IsZero() {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidToken)
	}
	now := time.Now()
	claims := &Claims{
		Name:  user.Name,
		Image: user.Image,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticate validates a token and returns the user it names.
func (m *Manager) Authenticate(token string) (chat.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.User{}, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return chat.User{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	return chat.User{ID: claims.Subject, Name: claims.Name, Image: claims.Image}, nil
}

// TokenFromRequest extracts a token from the token query parameter, the
// Authorization bearer header or the session cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// IdentityFromRequest resolves the user behind an HTTP request.
func (m *Manager) IdentityFromRequest(r *http.Request) (chat.User, error) {
	return m.Authenticate(TokenFromRequest(r))
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user chat.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the user stored by RequireUser.
func UserFromContext(ctx context.Context) (chat.User, bool) {
	user, ok := ctx.Value(contextKey{}).(chat.User)
	return user, ok && !user.IsZero()
}

// RequireUser rejects requests without a valid identity and stores the user
// in the request context.
func (m *Manager) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.IdentityFromRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="roomchat"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
