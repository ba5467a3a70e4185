package endpoint

import (
	"crypto/subtle"
	"errors"
)

// Authenticator validates a connecting peer during the handshake.
// Pass/fail only: a non-nil error rejects the connection before the read
// loop starts.
type Authenticator interface {
	// Token is presented to the remote side by the connecting peer.
	Token() []byte
	// Authenticate judges the token presented by the remote side.
	Authenticate(token []byte) error
}

// NoAuth accepts every peer. Appropriate for parent/child pipes where the
// transport itself is private.
type NoAuth struct{}

func (NoAuth) Token() []byte               { return nil }
func (NoAuth) Authenticate(_ []byte) error { return nil }

// SharedSecret authenticates peers by a pre-shared token.
type SharedSecret struct {
	Secret []byte
}

func (s SharedSecret) Token() []byte { return s.Secret }

func (s SharedSecret) Authenticate(token []byte) error {
	if subtle.ConstantTimeCompare(token, s.Secret) != 1 {
		return errors.New("endpoint: shared secret mismatch")
	}
	return nil
}
