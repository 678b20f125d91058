// Package loadbalance picks the stacker server a client talks to when the
// address comes from the registry rather than from configuration.
//
// Normally exactly one stackerd is registered per bench. During a hand-over
// (a new host brought up before the old one is stopped) both are listed for
// a short while, and the balancer decides which one a reconnect lands on.
package loadbalance

import (
	"errors"
	"fmt"

	"stacker/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = registry.ErrNoInstances

// Balancer selects one instance from a discovered list. Implementations
// must be safe for concurrent use.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer configured by name: "round_robin" (the
// default when name is empty) or "weighted_random".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}

func checkEmpty(instances []registry.ServiceInstance) error {
	if len(instances) == 0 {
		return ErrNoInstances
	}
	return nil
}

var errWeights = errors.New("instances have no positive weight")
