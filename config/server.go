package config

import (
	"os"
	"time"
)

// ServerConfig holds the runtime tunables the service entrypoint wires into
// the coordinator, session driver, and HTTP server: listen address, store
// DSNs, and the poll/grace intervals session.go exposes as package vars.
type ServerConfig struct {
	ListenAddr         string
	MetricsAddr        string
	InstanceStoreDSN   string
	TreeStoreDSN       string
	PollInterval       time.Duration
	DestroyGracePeriod time.Duration
}

// ServerOption configures a ServerConfig, mirroring the teacher's functional
// option pattern (graph.Option) for runtime tunables.
type ServerOption func(*ServerConfig)

// WithListenAddr overrides the HTTP listen address.
func WithListenAddr(addr string) ServerOption {
	return func(c *ServerConfig) { c.ListenAddr = addr }
}

// WithMetricsAddr overrides the Prometheus listen address.
func WithMetricsAddr(addr string) ServerOption {
	return func(c *ServerConfig) { c.MetricsAddr = addr }
}

// WithPollInterval overrides the coordinator's CGS/refresh poll cadence.
func WithPollInterval(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.PollInterval = d }
}

// WithDestroyGracePeriod overrides the delay Destroy waits before tearing
// an instance down.
func WithDestroyGracePeriod(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.DestroyGracePeriod = d }
}

// DefaultServerConfig returns the service's out-of-the-box tunables.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:         ":8080",
		MetricsAddr:        ":9090",
		InstanceStoreDSN:   "instances.db",
		TreeStoreDSN:       "tree.db",
		PollInterval:       2 * time.Second,
		DestroyGracePeriod: 5 * time.Second,
	}
}

// LoadServerConfig builds a ServerConfig from defaults, environment
// overrides (MACROSTEPD_LISTEN_ADDR, MACROSTEPD_METRICS_ADDR,
// MACROSTEPD_INSTANCE_DSN, MACROSTEPD_TREE_DSN, MACROSTEPD_POLL_INTERVAL,
// MACROSTEPD_DESTROY_GRACE), then any explicit opts, in that precedence
// order (opts win).
func LoadServerConfig(opts ...ServerOption) ServerConfig {
	c := DefaultServerConfig()

	if v := os.Getenv("MACROSTEPD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("MACROSTEPD_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("MACROSTEPD_INSTANCE_DSN"); v != "" {
		c.InstanceStoreDSN = v
	}
	if v := os.Getenv("MACROSTEPD_TREE_DSN"); v != "" {
		c.TreeStoreDSN = v
	}
	if v := os.Getenv("MACROSTEPD_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("MACROSTEPD_DESTROY_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DestroyGracePeriod = d
		}
	}

	for _, opt := range opts {
		opt(&c)
	}
	return c
}
