package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/shadowtap/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keySessionSet = "shadowtap:sessions"
	keyStats      = "shadowtap:stats"

	fieldTotalSessions   = "total_sessions"
	fieldPrimaryFailures = "primary_dial_failures"
	fieldShadowFailures  = "shadow_dial_failures"
)

func sessionKey(id string) string { return "shadowtap:session:" + id }

// Redis implements Store on a shared Redis so several relay instances report
// cluster-wide counters. Sessions opened by this instance are also cached
// locally; only those are listed by Sessions.
type Redis struct {
	flags

	client *redis.Client
	mu     sync.Mutex
	local  map[string]SessionInfo

	opTimeout         time.Duration
	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

var _ Store = (*Redis)(nil)

func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{
		client:            rdb,
		local:             make(map[string]SessionInfo),
		opTimeout:         2 * time.Second,
		heartbeatInterval: 30 * time.Second,
		keyTTL:            10 * time.Minute,
	}, nil
}

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *Redis) Open(info SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	r.mu.Lock()
	r.local[info.ID] = info
	r.mu.Unlock()

	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(info.ID), data, r.keyTTL)
	pipe.SAdd(ctx, keySessionSet, info.ID)
	pipe.HIncrBy(ctx, keyStats, fieldTotalSessions, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis open session: %w", err)
	}
	return nil
}

func (r *Redis) Close(id string) error {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()

	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, keySessionSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis close session: %w", err)
	}
	return nil
}

func (r *Redis) RecordDialFailure(_ string, primary bool) error {
	field := fieldShadowFailures
	if primary {
		field = fieldPrimaryFailures
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.HIncrBy(ctx, keyStats, field, 1).Err(); err != nil {
		return fmt.Errorf("redis record dial failure: %w", err)
	}
	return nil
}

// Sessions lists the sessions owned by this instance.
func (r *Redis) Sessions() ([]SessionInfo, error) {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.local))
	for _, s := range r.local {
		out = append(out, s)
	}
	r.mu.Unlock()
	sortSessions(out)
	return out, nil
}

// Stats reports cluster-wide counters.
func (r *Redis) Stats() (Stats, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	active, err := r.client.SCard(ctx, keySessionSet).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis count sessions: %w", err)
	}
	vals, err := r.client.HGetAll(ctx, keyStats).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}
	return Stats{
		ActiveSessions:      int(active),
		TotalSessions:       parseCount(vals[fieldTotalSessions]),
		PrimaryDialFailures: parseCount(vals[fieldPrimaryFailures]),
		ShadowDialFailures:  parseCount(vals[fieldShadowFailures]),
		Now:                 nowString(),
	}, nil
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Maintain refreshes TTLs of locally owned session keys and prunes set members
// whose key has expired (e.g. left behind by a crashed instance). It returns
// when ctx is done.
func (r *Redis) Maintain(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
			r.prune()
		}
	}
}

func (r *Redis) heartbeat() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, sessionKey(id), r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

func (r *Redis) prune() {
	ctx, cancel := r.ctx()
	defer cancel()
	ids, err := r.client.SMembers(ctx, keySessionSet).Result()
	if err != nil {
		obs.Error("redis.prune.members", obs.Fields{"err": err.Error()})
		return
	}
	for _, id := range ids {
		n, err := r.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			obs.Error("redis.prune.exists", obs.Fields{"err": err.Error(), "id": id})
			continue
		}
		if n == 0 {
			_ = r.client.SRem(ctx, keySessionSet, id).Err()
		}
	}
}

// Shutdown closes the Redis client.
func (r *Redis) Shutdown() error {
	return r.client.Close()
}
