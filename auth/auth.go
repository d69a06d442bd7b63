// Package auth resolves caller identity. The coordinator never owns
// participant profiles; it only needs to turn a bearer token into a
// participant id before an operation runs.
package auth

import "context"

// SessionProvider resolves a session token to the participant id it was
// issued for. The production provider validates JWTs issued by the identity
// service; tests inject a static provider.
type SessionProvider interface {
	ResolveCaller(ctx context.Context, token string) (string, error)
}

// StaticProvider maps tokens to participant ids from a fixed table. Test
// and development use only.
type StaticProvider map[string]string

func (p StaticProvider) ResolveCaller(_ context.Context, token string) (string, error) {
	id, ok := p[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return id, nil
}
