// Package endpoint implements the connection endpoint: exclusive owner of
// one transport connection (socket or pipe), a dedicated inbound read loop,
// and serialized outbound sends.
//
//	caller-1 ──Invoke──┐
//	caller-2 ──Invoke──┼──send mutex──→ one conn ──→ peer
//	monitors ──probe───┘
//
//	read loop: Result → pending table, Call → dispatcher (own goroutine),
//	           Heartbeat ping → echo, Heartbeat ack → pending table,
//	           Goodbye/any read error → Disconnect
//
// Lifecycle is Created → Connected → Disconnected, and Disconnected is
// terminal: the first disconnection fails every pending call with
// ErrConnectionLost, stops the read loop, and releases the transport. A new
// endpoint must be created to talk to the peer again.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"grainrpc/message"
	"grainrpc/pending"
	"grainrpc/protocol"
)

// State is the endpoint lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

var (
	metricCallsOut      = []string{"grainrpc", "endpoint", "calls", "out"}
	metricCallsIn       = []string{"grainrpc", "endpoint", "calls", "in"}
	metricDisconnects   = []string{"grainrpc", "endpoint", "disconnects"}
	metricStrayResults  = []string{"grainrpc", "endpoint", "results", "stray"}
	metricDispatchFault = []string{"grainrpc", "endpoint", "dispatch", "faults"}
)

// Dispatcher is the dispatch capability: it invokes the local implementation
// addressed by grain id + method and returns the serialized result or an
// error. Errors of type *message.Fault travel to the caller typed; any other
// error is flattened to its message.
type Dispatcher interface {
	Dispatch(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error)

func (f DispatchFunc) Dispatch(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error) {
	return f(ctx, grainID, method, payload)
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithDispatcher installs the dispatch capability for inbound calls.
// Without one, inbound calls fault with "no dispatcher".
func WithDispatcher(d Dispatcher) Option {
	return func(ep *Endpoint) { ep.dispatcher = d }
}

// WithAuthenticator installs the authenticator capability used during the
// handshake. Defaults to NoAuth.
func WithAuthenticator(a Authenticator) Option {
	return func(ep *Endpoint) { ep.auth = a }
}

// WithLogger installs the injected logging capability. Defaults to a nop
// logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ep *Endpoint) { ep.logger = logger }
}

// Endpoint owns exactly one transport connection for its whole life.
type Endpoint struct {
	dispatcher Dispatcher
	auth       Authenticator
	logger     *zap.Logger

	state atomic.Int32

	mu   sync.Mutex // guards conn/addr installation during Connect/Attach
	conn net.Conn

	local  net.Addr
	remote net.Addr

	sendMu sync.Mutex // serializes frame writes; interleaved frames corrupt the stream
	calls  *pending.Table

	disconnectOnce sync.Once
	done           chan struct{}
	reason         error // valid once done is closed
}

// New returns an endpoint in the Created state. It owns no transport until
// Connect or Attach succeeds.
func New(opts ...Option) *Endpoint {
	ep := &Endpoint{
		auth:   NoAuth{},
		logger: zap.NewNop(),
		calls:  pending.NewTable(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ep)
	}
	return ep
}

// State reports the current lifecycle phase.
func (ep *Endpoint) State() State {
	return State(ep.state.Load())
}

// Done is closed when the endpoint reaches Disconnected.
func (ep *Endpoint) Done() <-chan struct{} { return ep.done }

// Err reports why the endpoint disconnected. Valid once Done is closed.
func (ep *Endpoint) Err() error {
	select {
	case <-ep.done:
		return ep.reason
	default:
		return nil
	}
}

// LocalAddr is valid once connected.
func (ep *Endpoint) LocalAddr() net.Addr { return ep.local }

// RemoteAddr is valid once connected.
func (ep *Endpoint) RemoteAddr() net.Addr { return ep.remote }

// Connect dials the peer, runs the connecting side of the handshake, and
// starts the read loop. network is any stream network net.Dial accepts;
// "unix" serves as the named-pipe transport.
func (ep *Endpoint) Connect(ctx context.Context, network, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("endpoint: dial %s %s: %w", network, address, err)
	}
	if err := ep.adopt(ctx, conn, true); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Attach adopts an already-accepted connection, runs the accepting side of
// the handshake, and starts the read loop.
func (ep *Endpoint) Attach(ctx context.Context, conn net.Conn) error {
	if err := ep.adopt(ctx, conn, false); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (ep *Endpoint) adopt(ctx context.Context, conn net.Conn, initiator bool) error {
	ep.mu.Lock()
	if State(ep.state.Load()) != StateCreated {
		ep.mu.Unlock()
		return ErrAlreadyConnected
	}
	ep.conn = conn
	ep.mu.Unlock()

	if err := ep.handshake(ctx, conn, initiator); err != nil {
		ep.mu.Lock()
		ep.conn = nil
		ep.mu.Unlock()
		return err
	}

	ep.local = conn.LocalAddr()
	ep.remote = conn.RemoteAddr()
	ep.state.Store(int32(StateConnected))
	ep.logger.Debug("endpoint connected",
		zap.Stringer("local", ep.local),
		zap.Stringer("remote", ep.remote))

	go ep.readLoop(conn)
	return nil
}

// Invoke issues a call and blocks until the result arrives, the context
// ends, or the endpoint disconnects. Responses may complete out of
// call-issue order; correlation is by rpcId, never by position.
func (ep *Endpoint) Invoke(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error) {
	call, err := ep.Go(grainID, method, payload)
	if err != nil {
		return nil, err
	}
	out, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return unpack(out)
}

// Go issues a call without waiting. The returned pending call resolves when
// the result arrives or the endpoint disconnects.
func (ep *Endpoint) Go(grainID uint64, method string, payload []byte) (*pending.Call, error) {
	if ep.State() != StateConnected {
		return nil, ErrNotConnected
	}
	call := ep.calls.Register()
	msg := &message.Call{
		GrainID: grainID,
		Method:  method,
		RpcID:   call.RpcID(),
		Payload: payload,
	}
	if err := ep.send(func(w io.Writer) error { return protocol.EncodeCall(w, msg) }); err != nil {
		// The pending slot is already resolved (or about to be) by the
		// disconnect path; return the send failure directly.
		return nil, err
	}
	metrics.IncrCounter(metricCallsOut, 1)
	return call, nil
}

// RoundTrip performs one heartbeat round-trip and reports its duration.
// Heartbeats go through the same pending table as calls, so an endpoint
// death resolves them immediately instead of letting a probe hang.
func (ep *Endpoint) RoundTrip(ctx context.Context) (time.Duration, error) {
	if ep.State() != StateConnected {
		return 0, ErrNotConnected
	}
	call := ep.calls.Register()
	hb := &message.Heartbeat{RpcID: call.RpcID()}
	start := time.Now()
	if err := ep.send(func(w io.Writer) error { return protocol.EncodeHeartbeat(w, hb) }); err != nil {
		return 0, err
	}
	out, err := call.Wait(ctx)
	if err != nil {
		// Nobody consumes a late ack; drop the slot now so repeated probe
		// timeouts on a stalled transport cannot grow the pending table.
		ep.calls.Resolve(call.RpcID(), pending.Outcome{Err: err})
		return 0, err
	}
	if out.Err != nil {
		return 0, out.Err
	}
	return time.Since(start), nil
}

// Pending reports the number of in-flight calls.
func (ep *Endpoint) Pending() int { return ep.calls.Len() }

// Close sends a best-effort Goodbye and disconnects. Pipe transports may
// rely on process exit instead; the Goodbye is advisory either way.
func (ep *Endpoint) Close() error {
	if ep.State() == StateConnected {
		// Ignore the send result: the peer may already be gone.
		_ = ep.send(protocol.EncodeGoodbye)
	}
	ep.Disconnect(ErrConnectionLost)
	return nil
}

// Disconnect transitions the endpoint to Disconnected: it fails every
// pending call, stops the read loop, and releases the transport. Idempotent;
// only the first reason is recorded.
func (ep *Endpoint) Disconnect(reason error) {
	ep.disconnectOnce.Do(func() {
		if reason == nil {
			reason = ErrConnectionLost
		}
		ep.state.Store(int32(StateDisconnected))
		ep.reason = reason

		ep.mu.Lock()
		conn := ep.conn
		ep.conn = nil
		ep.mu.Unlock()
		if conn != nil {
			conn.Close() // unblocks the read loop
		}

		ep.calls.FailAll(ErrConnectionLost)
		close(ep.done)
		metrics.IncrCounter(metricDisconnects, 1)
		ep.logger.Info("endpoint disconnected", zap.Error(reason))
	})
}

// send serializes one frame write. Concurrent senders (callers, monitors,
// dispatch replies) must never interleave bytes.
func (ep *Endpoint) send(encode func(io.Writer) error) error {
	ep.mu.Lock()
	conn := ep.conn
	ep.mu.Unlock()
	if conn == nil || ep.State() != StateConnected {
		return ErrNotConnected
	}

	ep.sendMu.Lock()
	err := encode(conn)
	ep.sendMu.Unlock()
	if err != nil {
		ep.Disconnect(fmt.Errorf("%w: send: %v", ErrConnectionLost, err))
		return ErrConnectionLost
	}
	return nil
}

// readLoop drains frames until the transport dies. Reads are sequential by
// design: frame boundaries are implicit in byte count, so exactly one
// goroutine may read. Dispatching inbound calls happens on separate
// goroutines so a slow handler never stalls result correlation or
// disconnect detection.
func (ep *Endpoint) readLoop(conn net.Conn) {
	for {
		msg, err := protocol.Decode(conn)
		if err != nil {
			var fe *protocol.FramingError
			switch {
			case errors.Is(err, io.EOF):
				ep.Disconnect(fmt.Errorf("%w: peer closed the connection", ErrConnectionLost))
			case errors.As(err, &fe):
				ep.logger.Error("framing error, stream position lost", zap.Error(err))
				ep.Disconnect(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			default:
				ep.Disconnect(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}

		switch m := msg.(type) {
		case *message.Result:
			out := pending.Outcome{Payload: m.Payload, Fault: m.Fault}
			if !ep.calls.Resolve(m.RpcID, out) {
				// Duplicate or late frame; the first resolution won.
				metrics.IncrCounter(metricStrayResults, 1)
				ep.logger.Debug("dropping stray result", zap.Uint64("rpcId", m.RpcID))
			}
		case *message.Heartbeat:
			if m.Ack {
				ep.calls.Resolve(m.RpcID, pending.Outcome{})
			} else {
				ack := &message.Heartbeat{RpcID: m.RpcID, Ack: true}
				_ = ep.send(func(w io.Writer) error { return protocol.EncodeHeartbeat(w, ack) })
			}
		case *message.Call:
			metrics.IncrCounter(metricCallsIn, 1)
			go ep.handleCall(m)
		case *message.Goodbye:
			ep.logger.Debug("peer said goodbye")
			ep.Disconnect(fmt.Errorf("%w: peer shut down", ErrConnectionLost))
			return
		}
	}
}

// handleCall runs the dispatch capability and writes the one Result the
// call is owed. Runs on its own goroutine per call, mirroring the rule that
// suspension must never block the read loop.
func (ep *Endpoint) handleCall(call *message.Call) {
	res := &message.Result{RpcID: call.RpcID}
	if ep.dispatcher == nil {
		res.Fault = &message.Fault{Message: "no dispatcher registered"}
	} else {
		payload, err := ep.dispatcher.Dispatch(context.Background(), call.GrainID, call.Method, call.Payload)
		if err != nil {
			metrics.IncrCounter(metricDispatchFault, 1)
			var fault *message.Fault
			if errors.As(err, &fault) {
				res.Fault = fault
			} else {
				res.Fault = &message.Fault{Message: err.Error()}
			}
		} else {
			res.Payload = payload
		}
	}
	_ = ep.send(func(w io.Writer) error { return protocol.EncodeResult(w, res) })
}

func unpack(out pending.Outcome) ([]byte, error) {
	switch {
	case out.Err != nil:
		return nil, out.Err
	case out.Fault != nil:
		return nil, out.Fault
	default:
		return out.Payload, nil
	}
}
