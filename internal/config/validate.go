package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks cfg and returns ValidationErrors when anything is wrong.
func Validate(cfg *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.ListenAddr == "" {
		add("listen_addr", "required")
	} else if err := checkHostPort(cfg.ListenAddr); err != nil {
		add("listen_addr", "%v", err)
	}

	if len(cfg.Upstreams) == 0 {
		add("upstreams", "at least one upstream is required")
	}
	seen := make(map[string]int, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		field := fmt.Sprintf("upstreams[%d]", i)
		if err := checkHostPort(u); err != nil {
			add(field, "%v", err)
			continue
		}
		if j, dup := seen[u]; dup {
			add(field, "duplicates upstreams[%d] (%s)", j, u)
			continue
		}
		seen[u] = i
	}

	if cfg.WorkerPoolSize < 0 {
		add("worker_pool_size", "must not be negative")
	}
	if cfg.BufferSize <= 0 {
		add("buffer_size", "must be positive")
	}
	if cfg.DialTimeout < 0 {
		add("dial_timeout", "must not be negative")
	}
	if cfg.DrainTimeout < 0 {
		add("drain_timeout", "must not be negative")
	}
	if cfg.ShadowWriteTimeout < 0 {
		add("shadow_write_timeout", "must not be negative")
	}
	if cfg.ShutdownGrace < 0 {
		add("shutdown_grace", "must not be negative")
	}
	if cfg.AdminAddr != "" {
		if err := checkHostPort(cfg.AdminAddr); err != nil {
			add("admin_addr", "%v", err)
		}
	}
	if cfg.Redis.DB < 0 {
		add("redis.db", "must not be negative")
	}
	rl := cfg.RateLimit
	if rl.GlobalRate < 0 || rl.PerClientRate < 0 || rl.Burst < 0 {
		add("rate_limit", "rates and burst must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("address %s: missing port", addr)
	}
	return nil
}
