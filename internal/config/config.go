// Package config loads the relay configuration.
//
// A Config is built once by Load and is read-only afterwards; it is shared by
// pointer between the accept loop and every session.
package config

import "time"

// Config is the complete runtime configuration of the relay.
type Config struct {
	// ListenAddr is the host:port the accept loop binds.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`

	// Upstreams is the ordered upstream list. Index 0 is the primary whose
	// responses are returned to the client; the rest are shadows.
	Upstreams []string `yaml:"upstreams" envconfig:"UPSTREAMS"`

	// RunOnce serves exactly one client connection, then returns.
	RunOnce bool `yaml:"run_once" envconfig:"RUN_ONCE"`

	// WorkerPoolSize bounds the number of concurrently running relay tasks
	// (pumps plus broadcast loops). Zero means unbounded.
	WorkerPoolSize int `yaml:"worker_pool_size" envconfig:"WORKER_POOL_SIZE"`

	DialTimeout        time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	DrainTimeout       time.Duration `yaml:"drain_timeout" envconfig:"DRAIN_TIMEOUT"`
	ShadowWriteTimeout time.Duration `yaml:"shadow_write_timeout" envconfig:"SHADOW_WRITE_TIMEOUT"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`
	BufferSize         int           `yaml:"buffer_size" envconfig:"BUFFER_SIZE"`

	AdminAddr string `yaml:"admin_addr" envconfig:"ADMIN_ADDR"`
	Debug     bool   `yaml:"debug" envconfig:"DEBUG"`

	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RedisConfig selects the shared state backend. An empty Addr keeps state in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
}

// RateLimitConfig limits accepted connections per second. Zero disables a limit.
type RateLimitConfig struct {
	GlobalRate    int `yaml:"global_rate" envconfig:"GLOBAL_RATE"`
	PerClientRate int `yaml:"per_client_rate" envconfig:"PER_CLIENT_RATE"`
	Burst         int `yaml:"burst" envconfig:"BURST"`
}

// Primary returns the upstream whose responses are relayed to clients.
func (c *Config) Primary() string {
	if len(c.Upstreams) == 0 {
		return ""
	}
	return c.Upstreams[0]
}

// Shadows returns the upstreams whose responses are discarded.
func (c *Config) Shadows() []string {
	if len(c.Upstreams) < 2 {
		return nil
	}
	return c.Upstreams[1:]
}
