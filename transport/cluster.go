package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"lavos-rpc/codec"
	"lavos-rpc/loadbalance"
	"lavos-rpc/registry"
	"sync"
	"time"
)

// ClusterConfig configures a Cluster.
type ClusterConfig struct {
	Service     string // Registry service name of the gateways
	Codec       codec.CodecType
	PoolSize    int
	Heartbeat   time.Duration
	DialTimeout time.Duration
	Dial        DialFunc // defaults to TCPDialer(DialTimeout)
}

// Cluster reaches a set of gateways found through a registry.
//
// Per call: discover instances → balancer picks one (keyed by operation) → pooled
// transport for that address → Invoke.
type Cluster struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	cfg      ClusterConfig

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewCluster(reg registry.Registry, bal loadbalance.Balancer, cfg ClusterConfig) *Cluster {
	if cfg.Dial == nil {
		cfg.Dial = TCPDialer(cfg.DialTimeout)
	}
	return &Cluster{
		registry: reg,
		balancer: bal,
		cfg:      cfg,
		pools:    make(map[string]*Pool),
	}
}

func (c *Cluster) Invoke(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	instances, err := c.registry.Discover(ctx, c.cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("network: discover %s: %w", c.cfg.Service, err)
	}

	instance, err := c.balancer.Pick(operation, instances)
	if err != nil {
		return nil, fmt.Errorf("network: %s: %w", c.cfg.Service, err)
	}

	t, err := c.pool(instance.Addr).Get(ctx)
	if err != nil {
		return nil, err
	}
	return t.Invoke(ctx, operation, params)
}

func (c *Cluster) pool(addr string) *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[addr]
	if !ok {
		p = NewPool(addr, c.cfg.PoolSize, c.cfg.Codec, c.cfg.Heartbeat, c.cfg.Dial)
		c.pools[addr] = p
	}
	return p
}

// Close closes every pool.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, p := range c.pools {
		p.Close()
		delete(c.pools, addr)
	}
	return nil
}
