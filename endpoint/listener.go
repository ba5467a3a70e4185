package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener accepts inbound transport connections and produces one endpoint
// per connection. Used by silo hosts serving in peer mode and by the silo's
// connect-back rendezvous.
type Listener struct {
	ln       net.Listener
	opts     []Option
	logger   *zap.Logger
	shutdown atomic.Bool
}

// Listen opens a listening socket. network "unix" gives the named-pipe
// style transport; "tcp" the socket one. opts become the template for every
// accepted endpoint.
func Listen(network, address string, logger *zap.Logger, opts ...Option) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen %s %s: %w", network, address, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{ln: ln, opts: opts, logger: logger}, nil
}

// Accept blocks until a peer completes the handshake and returns its
// endpoint. Connections that fail the handshake are dropped and logged, and
// Accept keeps waiting: one bad peer must not take the listener down.
func (l *Listener) Accept(ctx context.Context) (*Endpoint, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Close makes Accept fail; the shutdown flag distinguishes
			// an intentional stop from a real listener error.
			if l.shutdown.Load() {
				return nil, net.ErrClosed
			}
			return nil, err
		}

		ep := New(l.opts...)
		if err := ep.Attach(ctx, conn); err != nil {
			l.logger.Warn("rejecting inbound connection",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			continue
		}
		return ep, nil
	}
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Already-accepted endpoints are unaffected.
func (l *Listener) Close() error {
	l.shutdown.Store(true)
	return l.ln.Close()
}
