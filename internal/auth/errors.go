// Package auth verifies bearer tokens on the operator endpoints.
package auth

import "errors"

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing authentication token")

	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("token has expired")

	// ErrInvalidIssuer is returned when iss does not match Config.Issuer.
	ErrInvalidIssuer = errors.New("invalid token issuer")

	// ErrInvalidAudience is returned when aud does not contain Config.Audience.
	ErrInvalidAudience = errors.New("invalid token audience")

	// ErrNoKeyConfigured is returned for every token when neither a secret
	// nor a public key is configured.
	ErrNoKeyConfigured = errors.New("no token verification key configured")
)
