// Package registry: etcd-backed implementation.
//
// Peers live under a key per advertised address:
//
//	Key:   /grainrpc/peers/{peerName}/{addr}
//	Value: JSON-encoded PeerInstance
//
// Registration rides a TTL lease kept alive in the background, so a peer
// process that crashes stops being discoverable once its lease expires —
// no ghost addresses.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const peerPrefix = "/grainrpc/peers/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: etcd connect: %w", err)
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Register advertises one listen address under a TTL lease and starts
// background keepalive renewal. The lease id stays local to this call so
// concurrent registrations through one EtcdRegistry do not race.
func (r *EtcdRegistry) Register(peerName string, instance PeerInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: lease grant: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, peerPrefix+peerName+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("registry: put: %w", err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	// Drain keepalive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("registry keepalive ended", zap.String("peer", peerName))
	}()
	return nil
}

// Deregister removes one advertised address, typically during graceful
// shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(peerName string, addr string) error {
	_, err := r.client.Delete(context.TODO(), peerPrefix+peerName+"/"+addr)
	return err
}

// Watch emits the updated instance list whenever the peer's addresses
// change (registration, deregistration, lease expiry). Server-push via
// etcd's Watch API rather than polling.
func (r *EtcdRegistry) Watch(peerName string) <-chan []PeerInstance {
	ctx := context.TODO()
	ch := make(chan []PeerInstance, 1)
	prefix := peerPrefix + peerName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list — simpler than
			// replaying individual events.
			instances, err := r.Discover(peerName)
			if err != nil {
				r.logger.Warn("registry watch refetch failed", zap.Error(err))
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns every currently advertised address of a named peer.
func (r *EtcdRegistry) Discover(peerName string) ([]PeerInstance, error) {
	resp, err := r.client.Get(context.TODO(), peerPrefix+peerName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get: %w", err)
	}

	instances := make([]PeerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance PeerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
