// Package secrets reads secret material (pseudonymization salt, development
// signing secret) from an external secret store. Values are fetched once and
// held for the lifetime of the process; rotating a secret requires a restart.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ErrNotFound is returned when the store has no value for a key.
var ErrNotFound = errors.New("secrets: not found")

// Provider looks up a secret by key.
type Provider interface {
	Secret(ctx context.Context, key string) (string, error)
}

// Static serves secrets from an in-memory map.
type Static map[string]string

// Secret implements Provider.
func (s Static) Secret(_ context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Env serves secrets from environment variables. The variable name is
// Prefix followed by the upper-cased key.
type Env struct {
	Prefix string
}

// Secret implements Provider.
func (e Env) Secret(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(e.Prefix + strings.ToUpper(key))
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}
