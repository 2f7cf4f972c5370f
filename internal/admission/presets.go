package admission

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// IdentityFunc extracts the account identity an authentication request targets.
type IdentityFunc func(r *http.Request) string

// Preset binds a window, a limit and a key derivation rule under a name.
type Preset struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	Key         KeyFunc
}

// WithLimit returns a copy of the preset with a different window and limit.
func (p Preset) WithLimit(window time.Duration, maxRequests int) Preset {
	p.Window = window
	p.MaxRequests = maxRequests
	return p
}

// KeyFor returns the namespaced key "<preset>:<derived key>".
func (p Preset) KeyFor(r *http.Request) string {
	return p.Name + ":" + p.Key(r)
}

// GeneralPreset limits general traffic to 100 requests per 15 minutes per client address.
func GeneralPreset() Preset {
	return Preset{
		Name:        "general",
		Window:      15 * time.Minute,
		MaxRequests: 100,
		Key:         ClientAddress,
	}
}

// WebhookPreset limits webhook traffic to 100 requests per minute per
// idempotency token, falling back to client address.
func WebhookPreset() Preset {
	return Preset{
		Name:        "webhook",
		Window:      time.Minute,
		MaxRequests: 100,
		Key:         IdempotencyKey,
	}
}

// AuthPreset limits authentication attempts to 5 per 15 minutes per
// address and account identity. A nil identity uses FormIdentity.
func AuthPreset(identity IdentityFunc) Preset {
	if identity == nil {
		identity = FormIdentity
	}
	return Preset{
		Name:        "auth",
		Window:      15 * time.Minute,
		MaxRequests: 5,
		Key: func(r *http.Request) string {
			addr := ClientAddress(r)
			if id := identity(r); id != "" {
				return addr + ":" + id
			}
			return addr
		},
	}
}

// Presets returns the built-in presets by name.
func Presets() map[string]Preset {
	return map[string]Preset{
		"general": GeneralPreset(),
		"webhook": WebhookPreset(),
		"auth":    AuthPreset(nil),
	}
}

// ClientAddress returns the host part of RemoteAddr. Forwarding headers
// are not read here; the server rewrites RemoteAddr for trusted proxies.
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

var idempotencyHeaders = []string{"Idempotency-Key", "Svix-Id", "X-Idempotency-Key"}

// IdempotencyKey returns the first idempotency header present, or the client address.
func IdempotencyKey(r *http.Request) string {
	for _, h := range idempotencyHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return ClientAddress(r)
}

// FormIdentity reads the email, then username, form value, lowercased.
func FormIdentity(r *http.Request) string {
	for _, field := range []string{"email", "username"} {
		if v := strings.TrimSpace(r.FormValue(field)); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}

// Allow checks a request against a preset.
func (c *Controller) Allow(ctx context.Context, p Preset, r *http.Request) Decision {
	return c.check(ctx, p.Name, p.KeyFor(r), p.Window, p.MaxRequests)
}
