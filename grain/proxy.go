package grain

import (
	"context"
	"errors"
	"fmt"

	"grainrpc/codec"
	"grainrpc/endpoint"
	"grainrpc/message"
	"grainrpc/pending"
)

// Proxy implements the invoke-by-id+name capability on the caller side:
// it serializes an argument struct, sends the call through its endpoint,
// and deserializes the reply. One proxy is bound to one grain id on one
// endpoint for its whole life.
type Proxy struct {
	ref      Ref
	ep       *endpoint.Endpoint
	payload  codec.Codec
	resolver codec.TypeResolver
}

// NewProxy binds a proxy to a grain reference over an endpoint. A nil codec
// defaults to JSON, matching the registry default on the dispatch side.
func NewProxy(ep *endpoint.Endpoint, ref Ref, payload codec.Codec) *Proxy {
	if payload == nil {
		payload = &codec.JSONCodec{}
	}
	return &Proxy{ref: ref, ep: ep, payload: payload}
}

// Ref returns the grain reference this proxy is bound to.
func (p *Proxy) Ref() Ref { return p.ref }

// UseResolver maps remote fault type names back to local error values on
// this proxy's calls: a fault whose type name the resolver knows comes back
// wrapping the registered error, so callers can errors.Is against their own
// sentinels instead of string-matching fault names.
func (p *Proxy) UseResolver(r codec.TypeResolver) { p.resolver = r }

func (p *Proxy) resolveFault(err error) error {
	if p.resolver == nil {
		return err
	}
	var fault *message.Fault
	if !errors.As(err, &fault) {
		return err
	}
	factory, ok := p.resolver.Resolve(fault.TypeName)
	if !ok {
		return err
	}
	return fmt.Errorf("%w: %s", factory(), fault.Message)
}

// Call invokes method synchronously: it blocks until the result arrives,
// ctx ends, or the endpoint disconnects. reply may be nil for methods whose
// result the caller discards.
func (p *Proxy) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := p.payload.Encode(args)
	if err != nil {
		return err
	}
	out, err := p.ep.Invoke(ctx, p.ref.ID, method, payload)
	if err != nil {
		return p.resolveFault(err)
	}
	if reply == nil {
		return nil
	}
	return p.payload.Decode(out, reply)
}

// Go invokes method asynchronously. The returned pending call resolves when
// the result arrives or the endpoint disconnects; decode the payload with
// the same codec the proxy uses.
func (p *Proxy) Go(method string, args any) (*pending.Call, error) {
	payload, err := p.payload.Encode(args)
	if err != nil {
		return nil, err
	}
	return p.ep.Go(p.ref.ID, method, payload)
}
