// Package loadbalance picks the gateway instance that serves a call.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity gateways
//   - WeightedRandom:  gateways of different size
//   - ConsistentHash:  the same operation always lands on the same gateway, keeping its
//     prepared statements and function cache warm
package loadbalance

import (
	"errors"
	"fmt"
	"lavos-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance per call. key is the operation name; strategies that
// do not need it ignore it. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
