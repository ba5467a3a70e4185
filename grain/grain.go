// Package grain provides the object layer over an endpoint: references to
// remotely addressable objects, the dispatch tables that invoke local
// implementations, and the proxy that turns method calls into wire calls.
//
// A grain is addressed by a numeric id. The caller holds a Ref and a Proxy
// bound to an endpoint; the callee holds the implementation in a Registry
// that the endpoint's read loop dispatches into.
package grain

// Ref pairs a grain id with the name of the interface it implements.
// Refs are immutable; they are created on activation and live until the
// owning endpoint is disposed.
type Ref struct {
	ID        uint64
	Interface string
}
