package config

import (
	"fmt"
	"strings"
	"time"

	"mini-rpc/codec"
	"mini-rpc/message"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg and returns a *ValidationError listing every problem.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateClient(cfg, ve)
	validateRegistry(cfg, ve)
	validateLog(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Listen == "" {
		ve.Add("server.listen must be set")
	}
	if s.Advertise != "" {
		if _, err := message.ParseAddress(s.Advertise); err != nil {
			ve.Add("server.advertise: %v", err)
		}
	}
	if _, err := codec.ParseType(s.Codec); err != nil {
		ve.Add("server.codec: %v", err)
	}
	if s.Workers <= 0 {
		ve.Add("server.workers must be > 0")
	}
	if s.QueueSize <= 0 {
		ve.Add("server.queue_size must be > 0")
	}
	if s.MaxFrameSize <= 0 {
		ve.Add("server.max_frame_size must be > 0")
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
	if s.RateLimit < 0 {
		ve.Add("server.rate_limit must be >= 0")
	}
	if s.RateLimit > 0 && s.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0 when rate_limit is set")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if _, err := codec.ParseType(c.Codec); err != nil {
		ve.Add("client.codec: %v", err)
	}
	for _, s := range c.Servers {
		if _, err := message.ParseAddress(s); err != nil {
			ve.Add("client.servers: %v", err)
		}
	}
	if c.CallTimeout < 0 {
		ve.Add("client.call_timeout must be >= 0")
	}
	if c.PoolTimeout <= 0 {
		ve.Add("client.pool_timeout must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"heartbeat":       c.Heartbeat,
		"pending_ttl":     c.PendingTTL,
		"redial_interval": c.RedialInterval,
	} {
		if d < 0 {
			ve.Add("client.%s must be >= 0", name)
		}
	}
	if c.Retries < 0 {
		ve.Add("client.retries must be >= 0")
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	r := cfg.Registry
	switch r.Kind {
	case RegistryStatic:
	case RegistryEtcd:
		if len(r.Etcd.Endpoints) == 0 {
			ve.Add("registry.etcd.endpoints must be set for registry kind %q", r.Kind)
		}
		if r.Etcd.TTL <= 0 {
			ve.Add("registry.etcd.ttl must be > 0")
		}
	case RegistryMDNS:
		if r.MDNS.Service == "" {
			ve.Add("registry.mdns.service must be set")
		}
	default:
		ve.Add("registry.kind %q is not one of %s, %s, %s", r.Kind, RegistryStatic, RegistryEtcd, RegistryMDNS)
	}
}

func validateLog(cfg *Config, ve *ValidationError) {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		ve.Add("log.format %q is not one of json, console", cfg.Log.Format)
	}
}
