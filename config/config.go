// Package config loads the YAML configuration of lavosctl and of embedding programs.
package config

import (
	"errors"
	"fmt"
	"lavos-rpc/codec"
	"lavos-rpc/loadbalance"
	"lavos-rpc/registry"
	"lavos-rpc/retry"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	KindHTTP     = "http"
	KindPostgres = "postgres"
	KindTCP      = "tcp"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Registry  RegistryConfig  `yaml:"registry"`
	Calls     CallsConfig     `yaml:"calls"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig selects how the backend is reached.
type TransportConfig struct {
	Kind        string        `yaml:"kind"`    // http, postgres or tcp
	URL         string        `yaml:"url"`     // base URL (http) or DSN (postgres)
	APIKey      string        `yaml:"api_key"` // http only
	Schema      string        `yaml:"schema"`
	Codec       string        `yaml:"codec"` // tcp only: json, binary, msgpack
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

// RegistryConfig locates gateways for the tcp transport. Etcd endpoints take
// precedence over static instances.
type RegistryConfig struct {
	Etcd        []string                   `yaml:"etcd"`
	DialTimeout time.Duration              `yaml:"dial_timeout"`
	Instances   []registry.ServiceInstance `yaml:"instances"`
	Service     string                     `yaml:"service"`
	Balancer    string                     `yaml:"balancer"`
}

type CallsConfig struct {
	RetryCount *int          `yaml:"retry_count"` // nil means the default; 0 disables retries
	Timeout    time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	AmbiguousDelay time.Duration `yaml:"ambiguous_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AmbiguousCodes []string      `yaml:"ambiguous_codes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures `lavosctl serve`.
type ServerConfig struct {
	Listen           string        `yaml:"listen"`
	Advertise        string        `yaml:"advertise"`
	Rate             float64       `yaml:"rate"` // requests per second, 0 disables limiting
	Burst            int           `yaml:"burst"`
	ProcedureTimeout time.Duration `yaml:"procedure_timeout"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the /metrics endpoint
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expands ${VAR} references, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = KindHTTP
	}
	if c.Transport.Codec == "" {
		c.Transport.Codec = "msgpack"
	}
	if c.Transport.PoolSize == 0 {
		c.Transport.PoolSize = 4
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = 5 * time.Second
	}
	if c.Registry.Service == "" {
		c.Registry.Service = "gateway"
	}
	if c.Registry.DialTimeout == 0 {
		c.Registry.DialTimeout = 5 * time.Second
	}
	if c.Calls.RetryCount == nil {
		n := 2
		c.Calls.RetryCount = &n
	}
	if c.Calls.Timeout == 0 {
		c.Calls.Timeout = 15 * time.Second
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if c.Retry.AmbiguousDelay == 0 {
		c.Retry.AmbiguousDelay = retry.DefaultAmbiguousDelay
	}
	if len(c.Retry.AmbiguousCodes) == 0 {
		c.Retry.AmbiguousCodes = append([]string(nil), retry.DefaultAmbiguousCodes...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":7400"
	}
	if c.Server.Burst == 0 && c.Server.Rate > 0 {
		c.Server.Burst = int(c.Server.Rate) + 1
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport.Kind {
	case KindHTTP, KindPostgres:
		if c.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("transport.url is required for %s", c.Transport.Kind))
		}
	case KindTCP:
		if len(c.Registry.Etcd) == 0 && len(c.Registry.Instances) == 0 {
			errs = append(errs, errors.New("registry.etcd or registry.instances is required for tcp"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown kind %q", c.Transport.Kind))
	}
	if _, err := codec.ParseCodecType(c.Transport.Codec); err != nil {
		errs = append(errs, fmt.Errorf("transport.codec: %w", err))
	}
	if c.Transport.PoolSize < 0 {
		errs = append(errs, errors.New("transport.pool_size must not be negative"))
	}
	if _, err := loadbalance.New(c.Registry.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("registry.balancer: %w", err))
	}
	if c.Calls.RetryCount != nil && *c.Calls.RetryCount < 0 {
		errs = append(errs, errors.New("calls.retry_count must not be negative"))
	}
	if c.Calls.Timeout < 0 {
		errs = append(errs, errors.New("calls.timeout must not be negative"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.AmbiguousDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Server.Rate < 0 || c.Server.Burst < 0 {
		errs = append(errs, errors.New("server.rate and server.burst must not be negative"))
	}
	return errors.Join(errs...)
}

// RetryCount returns calls.retry_count, 2 when unset.
func (c *Config) RetryCount() int {
	if c.Calls.RetryCount == nil {
		return 2
	}
	return *c.Calls.RetryCount
}

// Policy returns the retry policy described by the retry section.
func (c *Config) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:      c.Retry.BaseDelay,
		AmbiguousDelay: c.Retry.AmbiguousDelay,
		MaxDelay:       c.Retry.MaxDelay,
		Classifier:     retry.Classifier{AmbiguousCodes: c.Retry.AmbiguousCodes},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values. Unset
// variables without a default expand to the empty string; validation catches
// required fields left empty.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}
