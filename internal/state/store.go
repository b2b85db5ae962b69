// Package state tracks relay sessions for the admin endpoint.
//
// The memory backend serves a single instance; the Redis backend lets several
// relay instances behind one address report cluster-wide counters. Store
// failures never affect relaying: callers log and carry on.
package state

import (
	"time"

	"github.com/matst80/shadowtap/internal/config"
	"github.com/matst80/shadowtap/internal/obs"
)

// SessionInfo describes one running fan-out session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Upstreams []string  `json:"upstreams"`
	Started   time.Time `json:"started"`
}

// Stats is the snapshot served by /api/state.
type Stats struct {
	ActiveSessions      int    `json:"active_sessions"`
	TotalSessions       int64  `json:"total_sessions"`
	PrimaryDialFailures int64  `json:"primary_dial_failures"`
	ShadowDialFailures  int64  `json:"shadow_dial_failures"`
	Now                 string `json:"now"`
}

// Store abstracts session bookkeeping to allow horizontal scaling.
type Store interface {
	Open(info SessionInfo) error
	Close(id string) error
	RecordDialFailure(addr string, primary bool) error
	Sessions() ([]SessionInfo, error)
	Stats() (Stats, error)

	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
}

// New creates either an in-memory or Redis-backed store based on configuration.
func New(cfg config.RedisConfig) (Store, error) {
	if cfg.Addr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.Addr})
	return NewRedis(cfg.Addr, cfg.Password, cfg.DB)
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
