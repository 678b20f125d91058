// Package registry lets clients find the stacker server without a hard-coded
// address. The server publishes its routable address under a service name;
// clients look the name up and pick an instance.
//
// EtcdRegistry is the networked implementation: entries live under
//
//	/stacker/{ServiceName}/{Addr} → JSON ServiceInstance
//
// attached to a TTL lease, so a server that dies without deregistering
// disappears once the lease runs out. MemoryRegistry serves single-host
// setups and tests.
package registry

import "errors"

// ErrNoInstances is returned when a service has no registered instance.
var ErrNoInstances = errors.New("no instances available")

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
