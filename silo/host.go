package silo

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"grainrpc/codec"
	"grainrpc/endpoint"
	"grainrpc/grain"
	"grainrpc/message"
	"grainrpc/middleware"
	"grainrpc/registry"
)

// Host is the child-side runtime a spawned process runs. It connects back
// to the silo that spawned it (or serves peers on a listener), exposes the
// activation service as the well-known grain, and dispatches inbound calls
// into its grain registry.
//
// A minimal host executable:
//
//	func main() {
//		h := silo.NewHost()
//		h.RegisterFactory("Calculator", func() any { return &Calculator{} })
//		h.Run(context.Background(), "tcp", os.Args[len(os.Args)-1])
//	}
type Host struct {
	grains      *grain.Registry
	factories   map[string]func() any
	nextGrainID atomic.Uint64
	payload     codec.Codec
	logger      *zap.Logger
	auth        endpoint.Authenticator
	chain       []middleware.Middleware
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger installs the injected logging capability.
func WithHostLogger(logger *zap.Logger) HostOption {
	return func(h *Host) { h.logger = logger }
}

// WithHostAuthenticator sets the handshake authenticator.
func WithHostAuthenticator(a endpoint.Authenticator) HostOption {
	return func(h *Host) { h.auth = a }
}

// WithHostCodec sets the payload codec the dispatch tables use.
func WithHostCodec(c codec.Codec) HostOption {
	return func(h *Host) { h.payload = c }
}

// WithMiddleware wraps dispatch in the given interceptor chain, outermost
// first.
func WithMiddleware(mw ...middleware.Middleware) HostOption {
	return func(h *Host) { h.chain = mw }
}

// NewHost creates a host with the activation service pre-registered as
// grain 0.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		factories: make(map[string]func() any),
		logger:    zap.NewNop(),
		auth:      endpoint.NoAuth{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.grains = grain.NewRegistry(h.payload, h.logger)
	if _, err := h.grains.Add(ActivationGrainID, &activator{host: h}); err != nil {
		// Registry is freshly created; id 0 cannot collide.
		panic(err)
	}
	return h
}

// RegisterFactory makes typeName activatable: each activation request
// constructs a fresh instance via factory.
func (h *Host) RegisterFactory(typeName string, factory func() any) {
	h.factories[typeName] = factory
}

// Grains exposes the dispatch registry, for hosts that pre-register
// long-lived grains under fixed ids.
func (h *Host) Grains() *grain.Registry { return h.grains }

// Run connects back to the supervising silo and serves until the endpoint
// dies. The spawning silo passes its rendezvous address as the final
// process argument.
func (h *Host) Run(ctx context.Context, network, address string) error {
	ep, err := endpoint.Dial(ctx, network, address,
		endpoint.WithDispatcher(h.dispatcher()),
		endpoint.WithAuthenticator(h.auth),
		endpoint.WithLogger(h.logger))
	if err != nil {
		return fmt.Errorf("silo: host connect-back: %w", err)
	}
	h.logger.Info("host connected", zap.Stringer("silo", ep.RemoteAddr()))

	<-ep.Done()
	// The parent going away is this process's cue to exit; not an error.
	h.logger.Info("host endpoint closed", zap.Error(ep.Err()))
	return nil
}

// Serve runs the host in peer mode: it listens for inbound endpoints and
// serves each until the listener closes. With a non-nil directory the
// listen address is advertised under peerName so remote processes can
// DialNamed it.
func (h *Host) Serve(ctx context.Context, network, address string, dir registry.Registry, peerName string) error {
	ln, err := endpoint.Listen(network, address, h.logger,
		endpoint.WithDispatcher(h.dispatcher()),
		endpoint.WithAuthenticator(h.auth),
		endpoint.WithLogger(h.logger))
	if err != nil {
		return err
	}
	defer ln.Close()

	if dir != nil {
		instance := registry.PeerInstance{Network: network, Addr: ln.Addr().String()}
		if err := dir.Register(peerName, instance, 10); err != nil {
			return fmt.Errorf("silo: advertising peer %q: %w", peerName, err)
		}
		defer dir.Deregister(peerName, instance.Addr)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		ep, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.logger.Info("peer connected", zap.Stringer("peer", ep.RemoteAddr()))
		go func() {
			<-ep.Done()
			h.logger.Debug("peer disconnected", zap.Error(ep.Err()))
		}()
	}
}

func (h *Host) dispatcher() endpoint.Dispatcher {
	if len(h.chain) == 0 {
		return h.grains
	}
	return middleware.Wrap(h.grains, h.chain...)
}

// activator is the activation service behind ActivationGrainID.
type activator struct {
	host *Host
}

// Activate constructs a fresh instance of the requested type and registers
// it under a newly assigned grain id.
func (a *activator) Activate(args *ActivateArgs, reply *ActivateReply) error {
	factory, ok := a.host.factories[args.TypeName]
	if !ok {
		return &message.Fault{TypeName: "UnknownType", Message: fmt.Sprintf("no factory for %q", args.TypeName)}
	}
	id := a.host.nextGrainID.Add(1)
	if _, err := a.host.grains.Add(id, factory()); err != nil {
		return err
	}
	reply.GrainID = id
	return nil
}
