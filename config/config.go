// Package config loads the YAML configuration shared by the minirpc server
// and client commands.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mini-rpc/protocol"
	"mini-rpc/worker"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
	Log      Log            `yaml:"log"`
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise"` // announced address, defaults to the bound one
	Codec     string `yaml:"codec"`     // "json" or "binary"

	Workers      int `yaml:"workers"`
	QueueSize    int `yaml:"queue_size"`
	MaxFrameSize int `yaml:"max_frame_size"`

	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"` // 0 = none

	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst int     `yaml:"rate_burst"`

	MetricsListen string `yaml:"metrics_listen"` // "" = no metrics endpoint
}

type ClientConfig struct {
	Servers []string `yaml:"servers"` // static node list, used with registry kind "static"
	Codec   string   `yaml:"codec"`

	CallTimeout    time.Duration `yaml:"call_timeout"`
	PoolTimeout    time.Duration `yaml:"pool_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	RedialInterval time.Duration `yaml:"redial_interval"`

	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

const (
	RegistryStatic = "static"
	RegistryEtcd   = "etcd"
	RegistryMDNS   = "mdns"
)

type RegistryConfig struct {
	Kind string     `yaml:"kind"` // static | etcd | mdns
	Etcd EtcdConfig `yaml:"etcd"`
	MDNS MDNSConfig `yaml:"mdns"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	TTL         int64         `yaml:"ttl"` // lease TTL in seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type MDNSConfig struct {
	Service      string        `yaml:"service"`
	Domain       string        `yaml:"domain"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			Codec:           "json",
			Workers:         worker.DefaultWorkers,
			QueueSize:       worker.DefaultQueueSize,
			MaxFrameSize:    protocol.DefaultMaxFrameSize,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateBurst:       100,
		},
		Client: ClientConfig{
			Codec:        "json",
			CallTimeout:  5 * time.Second,
			PoolTimeout:  6 * time.Second,
			Heartbeat:    30 * time.Second,
			PendingTTL:   30 * time.Second,
			RetryBackoff: 50 * time.Millisecond,
		},
		Registry: RegistryConfig{
			Kind: RegistryStatic,
			Etcd: EtcdConfig{
				Prefix:      "/mini-rpc/nodes/",
				TTL:         10,
				DialTimeout: 5 * time.Second,
			},
			MDNS: MDNSConfig{
				Service:      "_minirpc._tcp",
				Domain:       "local.",
				ScanInterval: 10 * time.Second,
			},
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "read config")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
		}
	}
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides sets fields from MINIRPC_* environment variables.
// Malformed numbers and durations are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MINIRPC_SERVER_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("MINIRPC_SERVER_ADVERTISE"); v != "" {
		cfg.Server.Advertise = v
	}
	if v := os.Getenv("MINIRPC_SERVER_CODEC"); v != "" {
		cfg.Server.Codec = v
	}
	if v := os.Getenv("MINIRPC_SERVER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Workers = n
		}
	}
	if v := os.Getenv("MINIRPC_SERVER_METRICS_LISTEN"); v != "" {
		cfg.Server.MetricsListen = v
	}
	if v := os.Getenv("MINIRPC_CLIENT_SERVERS"); v != "" {
		cfg.Client.Servers = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MINIRPC_CLIENT_CODEC"); v != "" {
		cfg.Client.Codec = v
	}
	if v := os.Getenv("MINIRPC_CLIENT_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.CallTimeout = d
		}
	}
	if v := os.Getenv("MINIRPC_CLIENT_POOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.PoolTimeout = d
		}
	}
	if v := os.Getenv("MINIRPC_REGISTRY_KIND"); v != "" {
		cfg.Registry.Kind = v
	}
	if v := os.Getenv("MINIRPC_ETCD_ENDPOINTS"); v != "" {
		cfg.Registry.Etcd.Endpoints = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MINIRPC_ETCD_PREFIX"); v != "" {
		cfg.Registry.Etcd.Prefix = v
	}
	if v := os.Getenv("MINIRPC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MINIRPC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
