package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// PrincipalFromContext returns the principal set by RequireToken, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireToken rejects requests without a valid bearer token with 401, and
// tokens lacking Config.RequiredRole with 403.
func RequireToken(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Validate(r.Context(), ExtractToken(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="resilience"`)
				writeJSONError(w, http.StatusUnauthorized, message(err))
				return
			}
			if role := v.config.RequiredRole; role != "" && !p.HasRole(role) {
				writeJSONError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

func message(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "authentication required"
	case errors.Is(err, ErrExpiredToken), errors.Is(err, ErrInvalidIssuer),
		errors.Is(err, ErrInvalidAudience), errors.Is(err, ErrNoKeyConfigured):
		return err.Error()
	default:
		return "invalid token"
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
