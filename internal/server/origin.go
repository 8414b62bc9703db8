package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/roomchat/internal/logging"
)

// OriginPolicy decides which browser origins may open websocket connections.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	list     []string
}

// NewOriginPolicy builds a policy from configured origins. "*" allows every
// origin; invalid entries are logged and ignored.
func NewOriginPolicy(origins []string) *OriginPolicy {
	normalized, allowAll := normalizeOrigins(origins)
	p := &OriginPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		list:     normalized,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

// Origins returns the normalized allow-list, or ["*"] when all are allowed.
func (p *OriginPolicy) Origins() []string {
	if p.allowAll {
		return []string{"*"}
	}
	return append([]string(nil), p.list...)
}

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logging.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether the request's Origin header is on the allow-list.
// Requests without an Origin header are rejected.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// CheckOrigin is the websocket upgrader hook.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}

	logging.Warn().Str("origin", r.Header.Get("Origin")).Str("addr", r.RemoteAddr).
		Msg("blocked websocket connection from disallowed origin")
	return false
}
