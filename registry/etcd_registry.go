package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// keyPrefix roots every stacker key in etcd.
const keyPrefix = "/stacker/"

func instanceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client    *clientv3.Client // safe for concurrent use
	opTimeout time.Duration

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // key → stops that key's lease renewal
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdRegistry{
		client:     c,
		opTimeout:  5 * time.Second,
		keepAlives: make(map[string]context.CancelFunc),
	}, nil
}

// Register publishes instance under serviceName with a lease of ttl seconds
// and keeps the lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	// The keep-alive outlives this call, so it gets its own context.
	kaCtx, kaCancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if old, ok := r.keepAlives[key]; ok {
		old()
	}
	r.keepAlives[key] = kaCancel
	r.mu.Unlock()
	return nil
}

// Deregister removes an instance and stops renewing its lease.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)

	r.mu.Lock()
	if stop, ok := r.keepAlives[key]; ok {
		stop()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

// Discover returns all instances currently registered under serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, keyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list every time an entry under serviceName
// changes. The channel closes when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(context.Background(), keyPrefix+serviceName+"/", clientv3.WithPrefix()) {
			// Re-read the whole list rather than applying individual events.
			instances, err := r.Discover(serviceName)
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Close stops all lease renewals and closes the etcd client. Leases that
// are no longer renewed expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, stop := range r.keepAlives {
		stop()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
