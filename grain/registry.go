package grain

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"grainrpc/codec"
	"grainrpc/message"
)

// Registry implements the dispatch capability: it maps grain ids to local
// implementations and invokes methods on them by name.
//
// Eligible methods have the signature
//
//	func (g *G) Method(args *Args, reply *Reply) error
//
// scanned once at registration. This explicit table replaces generated
// servant code: there is no dynamic proxy machinery, only reflection over
// registered receivers.
type Registry struct {
	payload codec.Codec
	logger  *zap.Logger

	mu     sync.RWMutex
	grains map[uint64]*service
}

type methodType struct {
	method    reflect.Method
	argType   reflect.Type
	replyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	method map[string]*methodType
}

// NewRegistry creates an empty dispatch table using the given payload codec
// (nil defaults to JSON).
func NewRegistry(payload codec.Codec, logger *zap.Logger) *Registry {
	if payload == nil {
		payload = &codec.JSONCodec{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		payload: payload,
		logger:  logger,
		grains:  make(map[uint64]*service),
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Add registers rcvr as the implementation behind id and scans its eligible
// methods. Registering an id twice is an error: refs are never rebound.
func (r *Registry) Add(id uint64, rcvr any) (Ref, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return Ref{}, fmt.Errorf("grain: receiver must be a pointer to struct, got %T", rcvr)
	}

	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.Type.NumIn() != 3 || m.Type.NumOut() != 1 || m.Type.Out(0) != errorType ||
			m.Type.In(1).Kind() != reflect.Ptr || m.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		svc.method[m.Name] = &methodType{
			method:    m,
			argType:   m.Type.In(1).Elem(),
			replyType: m.Type.In(2).Elem(),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.grains[id]; dup {
		return Ref{}, fmt.Errorf("grain: id %d already registered", id)
	}
	r.grains[id] = svc
	r.logger.Debug("grain registered",
		zap.Uint64("grainId", id),
		zap.String("interface", svc.name),
		zap.Int("methods", len(svc.method)))
	return Ref{ID: id, Interface: svc.name}, nil
}

// Remove drops the implementation behind id.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.grains, id)
	r.mu.Unlock()
}

// Dispatch invokes method on the grain behind grainID: decode args, call
// through the method table, encode the reply. Unknown targets and decode
// failures come back as typed faults so the caller can tell a missing grain
// from an application error.
func (r *Registry) Dispatch(_ context.Context, grainID uint64, method string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	svc, ok := r.grains[grainID]
	r.mu.RUnlock()
	if !ok {
		return nil, &message.Fault{TypeName: "UnknownGrain", Message: fmt.Sprintf("no grain with id %d", grainID)}
	}
	mt, ok := svc.method[method]
	if !ok {
		return nil, &message.Fault{TypeName: "UnknownMethod", Message: fmt.Sprintf("%s has no method %q", svc.name, method)}
	}

	argv := reflect.New(mt.argType)
	replyv := reflect.New(mt.replyType)
	if err := r.payload.Decode(payload, argv.Interface()); err != nil {
		return nil, &message.Fault{TypeName: "BadArguments", Message: err.Error()}
	}

	results := mt.method.Func.Call([]reflect.Value{svc.rcvr, argv, replyv})
	if !results[0].IsNil() {
		return nil, results[0].Interface().(error)
	}

	out, err := r.payload.Encode(replyv.Interface())
	if err != nil {
		return nil, &message.Fault{TypeName: "BadReply", Message: err.Error()}
	}
	return out, nil
}
