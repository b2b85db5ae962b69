package config

import "time"

const (
	DefaultPath          = "/etc/shadowtap/config.yaml"
	DefaultDialTimeout   = 5 * time.Second
	DefaultDrainTimeout  = 30 * time.Second
	DefaultShutdownGrace = 10 * time.Second
	DefaultBufferSize    = 32 * 1024
	DefaultBurst         = 10
)

// ApplyDefaults fills zero-valued fields that have a default.
func ApplyDefaults(cfg *Config) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	rl := &cfg.RateLimit
	if (rl.GlobalRate > 0 || rl.PerClientRate > 0) && rl.Burst == 0 {
		rl.Burst = DefaultBurst
	}
}
