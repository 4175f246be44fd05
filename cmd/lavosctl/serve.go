package main

import (
	"context"
	"errors"
	"fmt"
	"lavos-rpc/message"
	"lavos-rpc/metrics"
	"lavos-rpc/middleware"
	"lavos-rpc/registry"
	"lavos-rpc/retry"
	"lavos-rpc/server"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a local procedure gateway with demo operations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address, overrides server.listen",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "Time allowed for in-flight calls on shutdown",
				Value: 5 * time.Second,
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if l := c.String("listen"); l != "" {
		cfg.Server.Listen = l
	}
	logger, err := newLogger(cfg, c.App.ErrWriter)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	svr, err := newGateway(cfg.Server.Rate, cfg.Server.Burst, cfg.Server.ProcedureTimeout, cfg.Registry.Service, metrics.New(promReg), logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		ms := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint", zap.Error(err))
			}
		}()
		defer ms.Close()
	}

	var reg registry.Registry
	if len(cfg.Registry.Etcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Etcd, cfg.Registry.DialTimeout)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer etcd.Close()
		reg = etcd
	}

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, reg) }()

	select {
	case err := <-errc:
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	if err := svr.Shutdown(c.Duration("shutdown-timeout")); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return nil
}

// newGateway builds a gateway serving the demo procedures.
func newGateway(rate float64, burst int, procTimeout time.Duration, service string, m *metrics.Metrics, logger *zap.Logger) (*server.Server, error) {
	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithServiceName(service),
		server.WithProcedureTimeout(procTimeout),
	)
	if rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(rate, burst))
	}
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware(m, retry.Classifier{}))

	if err := svr.Register("ping", func(ctx context.Context, _ map[string]any) (any, error) {
		return "pong", nil
	}); err != nil {
		return nil, err
	}
	if err := svr.Register("get_kpis", server.Typed(getKPIs)); err != nil {
		return nil, err
	}
	return svr, nil
}

type kpiParams struct {
	Region *string `json:"region"` // null means all regions
	Limit  int     `json:"limit"`
}

type kpi struct {
	Region string  `json:"region"`
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
}

var demoKPIs = []kpi{
	{"eu", "revenue", 1250.5},
	{"eu", "orders", 311},
	{"us", "revenue", 2210},
	{"us", "orders", 574},
	{"apac", "revenue", 640.25},
}

func getKPIs(ctx context.Context, p kpiParams) ([]kpi, error) {
	if p.Limit < 0 {
		return nil, message.NewError("22023", fmt.Sprintf("limit must not be negative, got %d", p.Limit))
	}
	rows := []kpi{}
	for _, k := range demoKPIs {
		if p.Region != nil && *p.Region != k.Region {
			continue
		}
		rows = append(rows, k)
		if p.Limit > 0 && len(rows) == p.Limit {
			break
		}
	}
	return rows, nil
}
