// Package sprites is the sandbox control client for Fly.io Sprites.
// Sprites are isolated VMs; each execution attempt gets its own.
package sprites

import (
	"errors"
	"fmt"
)

// DefaultAPIURL is the Sprites control plane.
const DefaultAPIURL = "https://api.sprites.dev"

var (
	// ErrNotFound is returned when the named sprite does not exist.
	ErrNotFound = errors.New("sprite not found")
	// ErrUnauthorized is returned when the provider rejects the token.
	ErrUnauthorized = errors.New("sprites token rejected")
	// ErrConfig is returned when no token is configured.
	ErrConfig = errors.New("no Sprites token configured. Set SPRITES_TOKEN env var or run: dispatchd config set sprite_token <token>")
)

// APIError is a control plane failure that is neither not-found nor auth.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sprites %s failed: %d - %s", e.Op, e.StatusCode, e.Body)
}
