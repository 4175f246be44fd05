// Package registry tracks the gateway instances a Cluster transport can reach.
package registry

import "context"

// ServiceInstance is one reachable gateway.
type ServiceInstance struct {
	Addr    string `json:"addr" yaml:"addr"`
	Weight  int    `json:"weight" yaml:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty" yaml:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
