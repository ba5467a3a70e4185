package endpoint

import (
	"context"
	"fmt"

	"grainrpc/loadbalance"
	"grainrpc/registry"
)

// Dial creates a fresh endpoint and connects it in one step.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Endpoint, error) {
	ep := New(opts...)
	if err := ep.Connect(ctx, network, address); err != nil {
		return nil, err
	}
	return ep, nil
}

// DialNamed connects to a peer known by name: it looks the peer up in the
// directory, picks one advertised address, and dials it. A peer unreachable
// at the picked address is a connection failure like any other — retry, if
// wanted, means calling DialNamed again for a fresh endpoint.
func DialNamed(ctx context.Context, reg registry.Registry, name string, balancer loadbalance.Balancer, opts ...Option) (*Endpoint, error) {
	instances, err := reg.Discover(name)
	if err != nil {
		return nil, fmt.Errorf("endpoint: discovering %q: %w", name, err)
	}
	instance, err := balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("endpoint: no address for %q: %w", name, err)
	}
	return Dial(ctx, instance.Network, instance.Addr, opts...)
}
