// Package registry provides the peer directory: named remote peers advertise
// the address their endpoint listener is bound to, and connecting processes
// discover it by name instead of hardcoding sockets.
package registry

// PeerInstance is one advertised listen address of a named peer.
type PeerInstance struct {
	Network string // "tcp" or "unix"
	Addr    string
}

// Registry is the directory abstraction. Registration is leased: a peer
// that dies without deregistering disappears when its lease expires.
type Registry interface {
	Register(peerName string, instance PeerInstance, ttl int64) error
	Deregister(peerName string, addr string) error
	Discover(peerName string) ([]PeerInstance, error)
	Watch(peerName string) <-chan []PeerInstance
}
