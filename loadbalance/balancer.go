// Package loadbalance picks one address when a named peer advertises
// several. Addresses of one peer are interchangeable, so the pickers here
// only spread connection attempts; they carry no session state.
package loadbalance

import (
	"errors"

	"grainrpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks one instance from a discovered list.
type Balancer interface {
	Pick(instances []registry.PeerInstance) (*registry.PeerInstance, error)
	Name() string
}
