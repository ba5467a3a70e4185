// Package message defines the wire messages exchanged between two endpoints.
//
// Every unit on the wire is one of four messages, identified by a one-byte
// discriminator. A Call names a remote grain and method and carries a
// process-unique correlation id (RpcID); the matching Result carries the same
// RpcID back, at most once. Heartbeats are liveness round-trips that never
// touch application code. Goodbye is a best-effort shutdown notice.
//
// The structs here are the envelope only. Framing (byte layout) lives in the
// protocol package; argument/result payloads are opaque byte spans produced
// by the codec package.
package message

// Type is the one-byte wire discriminator.
type Type byte

const (
	TypeCall      Type = 0x01 // caller → callee method invocation
	TypeResult    Type = 0x02 // callee → caller completion, exactly one per Call
	TypeHeartbeat Type = 0x03 // liveness round-trip, ping or ack
	TypeGoodbye   Type = 0x04 // graceful shutdown notice, no payload
)

func (t Type) String() string {
	switch t {
	case TypeCall:
		return "Call"
	case TypeResult:
		return "Result"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeGoodbye:
		return "Goodbye"
	default:
		return "Unknown"
	}
}

// Call invokes Method on the grain identified by GrainID.
// RpcID is unique for the lifetime of the issuing endpoint.
type Call struct {
	GrainID uint64
	Method  string
	RpcID   uint64
	Payload []byte // serialized arguments, in declared order
}

// Result answers the Call with the same RpcID.
// Exactly one of Payload/Fault is meaningful: when Fault is non-nil the call
// failed remotely and Payload is empty.
type Result struct {
	RpcID   uint64
	Payload []byte // serialized return value(s) on success
	Fault   *Fault
}

// Heartbeat is a liveness probe. Ack reports whether this is the echo
// (Ack=true) or the probe itself (Ack=false). The RpcID pairs a probe with
// its echo so concurrent probes from symmetric peers cannot be confused.
type Heartbeat struct {
	RpcID uint64
	Ack   bool
}

// Goodbye signals intentional shutdown. It is transport-optional: pipe
// transports may skip it since process exit is observable on its own.
type Goodbye struct{}

// Fault is the encoded description of a remote failure. TypeName names the
// original error type for callers that registered it with a type resolver;
// Message is always present.
type Fault struct {
	TypeName string
	Message  string
}

func (f *Fault) Error() string {
	if f.TypeName == "" {
		return f.Message
	}
	return f.TypeName + ": " + f.Message
}
