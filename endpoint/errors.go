package endpoint

import "errors"

var (
	// ErrNotConnected reports a call attempted before Connect or after the
	// endpoint disconnected. Caller error; the transport is untouched.
	ErrNotConnected = errors.New("endpoint: not connected")

	// ErrConnectionLost reports that the transport died while the endpoint
	// was active. Recoverable only by creating a new endpoint.
	ErrConnectionLost = errors.New("endpoint: connection lost")

	// ErrAlreadyConnected reports a second Connect/Attach on one endpoint.
	// A disconnected endpoint cannot reconnect either; make a new one.
	ErrAlreadyConnected = errors.New("endpoint: already connected")

	// ErrHandshakeRejected reports that the peer refused the handshake,
	// either a protocol mismatch or an authenticator verdict.
	ErrHandshakeRejected = errors.New("endpoint: handshake rejected")
)
