package main

import (
	"context"
	"fmt"
	"io"
	"lavos-rpc/client"
	"lavos-rpc/codec"
	"lavos-rpc/config"
	"lavos-rpc/loadbalance"
	"lavos-rpc/logging"
	"lavos-rpc/registry"
	"lavos-rpc/transport"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// loadConfig reads --config (or defaults) and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if url := c.String("url"); url != "" {
		cfg.Transport.URL = url
	}
	if key := c.String("api-key"); key != "" {
		cfg.Transport.APIKey = key
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format, w)
}

// newRegistry returns the etcd registry when endpoints are configured, otherwise a
// static registry holding the configured instances.
func newRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, io.Closer, error) {
	if len(cfg.Registry.Etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Etcd, cfg.Registry.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		return reg, reg, nil
	}
	reg := registry.NewStaticRegistry()
	for _, inst := range cfg.Registry.Instances {
		if err := reg.Register(ctx, cfg.Registry.Service, inst, 0); err != nil {
			return nil, nil, err
		}
	}
	return reg, closers{}, nil
}

type closers []io.Closer

func (cs closers) Close() error {
	for i := len(cs) - 1; i >= 0; i-- {
		cs[i].Close()
	}
	return nil
}

// newInvoker builds the transport selected by transport.kind.
func newInvoker(ctx context.Context, cfg *config.Config) (client.Invoker, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	switch cfg.Transport.Kind {
	case config.KindHTTP:
		t := transport.NewHTTPTransport(transport.HTTPConfig{
			BaseURL: cfg.Transport.URL,
			APIKey:  cfg.Transport.APIKey,
			Schema:  cfg.Transport.Schema,
		})
		return t, closers{}, nil

	case config.KindPostgres:
		t, err := transport.NewPostgresTransport(ctx, cfg.Transport.URL, cfg.Transport.Schema)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	case config.KindTCP:
		ct, err := codec.ParseCodecType(cfg.Transport.Codec)
		if err != nil {
			return nil, nil, err
		}
		bal, err := loadbalance.New(cfg.Registry.Balancer)
		if err != nil {
			return nil, nil, err
		}
		reg, regCloser, err := newRegistry(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		cluster := transport.NewCluster(reg, bal, transport.ClusterConfig{
			Service:     cfg.Registry.Service,
			Codec:       ct,
			PoolSize:    cfg.Transport.PoolSize,
			Heartbeat:   cfg.Transport.Heartbeat,
			DialTimeout: cfg.Transport.DialTimeout,
		})
		return cluster, closers{regCloser, cluster}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}
