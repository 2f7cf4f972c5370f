package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bargom/resilience/pkg/logging"
)

// DefaultRolesClaim is read when Config.RolesClaim is empty.
const DefaultRolesClaim = "roles"

// Config holds token verification settings. Secret enables HS256/384/512
// and PublicKey (PEM) enables RS256/384/512; both may be set.
type Config struct {
	Secret       string        `yaml:"secret" json:"secret"`
	PublicKey    string        `yaml:"public_key" json:"public_key"`
	Issuer       string        `yaml:"issuer" json:"issuer"`
	Audience     string        `yaml:"audience" json:"audience"`
	RolesClaim   string        `yaml:"roles_claim" json:"roles_claim"`
	RequiredRole string        `yaml:"required_role" json:"required_role"`
	Leeway       time.Duration `yaml:"leeway" json:"leeway" validate:"gte=0"`
}

// Configured reports whether any verification key is set.
func (c Config) Configured() bool {
	return c.Secret != "" || c.PublicKey != ""
}

// Principal is the verified caller.
type Principal struct {
	Subject   string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Validator verifies signed tokens.
type Validator struct {
	config    Config
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
	logger    *slog.Logger
}

// NewValidator parses the configured public key. A Validator without any
// key rejects every token with ErrNoKeyConfigured.
func NewValidator(cfg Config, logger *slog.Logger) (*Validator, error) {
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = DefaultRolesClaim
	}

	v := &Validator{
		config: cfg,
		logger: logging.ComponentLogger(logger, "auth"),
	}
	if cfg.PublicKey != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		v.publicKey = key
	}

	var methods []string
	if cfg.Secret != "" {
		methods = append(methods, "HS256", "HS384", "HS512")
	}
	if v.publicKey != nil {
		methods = append(methods, "RS256", "RS384", "RS512")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Validate verifies tokenStr and returns its principal.
func (v *Validator) Validate(_ context.Context, tokenStr string) (*Principal, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	if !v.config.Configured() {
		return nil, ErrNoKeyConfigured
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenStr, claims, v.key)
	if err != nil {
		v.logger.Debug("token rejected", "error", err)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrInvalidAudience
		default:
			return nil, ErrInvalidToken
		}
	}

	p := &Principal{Roles: stringList(claims[v.config.RolesClaim])}
	p.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	return p, nil
}

func (v *Validator) key(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.config.Secret == "" {
			return nil, ErrNoKeyConfigured
		}
		return []byte(v.config.Secret), nil
	case *jwt.SigningMethodRSA:
		if v.publicKey == nil {
			return nil, ErrNoKeyConfigured
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unsupported signing method %s", t.Method.Alg())
	}
}

// stringList accepts a JSON array of strings or a space-separated string.
func stringList(claim any) []string {
	switch v := claim.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}
