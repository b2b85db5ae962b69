package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/shadowtap/internal/config"
	"github.com/matst80/shadowtap/internal/obs"
	"github.com/matst80/shadowtap/internal/ratelimit"
	"github.com/matst80/shadowtap/internal/state"
	"golang.org/x/sync/semaphore"
)

const (
	limiterSweepInterval = time.Minute
	minAcceptBackoff     = 5 * time.Millisecond
	maxAcceptBackoff     = time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(2*d, maxAcceptBackoff)
}

// Server is the accept loop. It hands every accepted client to a new Session.
type Server struct {
	cfg     *config.Config
	dialer  *Dialer
	store   state.Store
	limiter *ratelimit.Limiter

	// pool bounds concurrently running relay tasks when worker_pool_size is set.
	pool     *semaphore.Weighted
	poolSize int64

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	// running counts the accept loop and every live session. The loop's own
	// count is taken under mu, so Shutdown never waits on a zero counter that
	// Serve is about to raise.
	running sync.WaitGroup
}

// NewServer builds a server for cfg. A nil store falls back to an in-memory one.
func NewServer(cfg *config.Config, store state.Store) *Server {
	if store == nil {
		store = state.NewMemory()
	}
	s := &Server{
		cfg:    cfg,
		dialer: NewDialer(cfg.DialTimeout),
		store:  store,
	}
	rl := cfg.RateLimit
	if rl.GlobalRate > 0 || rl.PerClientRate > 0 {
		s.limiter = ratelimit.NewLimiter(rl.GlobalRate, rl.PerClientRate, rl.Burst)
	}
	if cfg.WorkerPoolSize > 0 {
		s.poolSize = int64(cfg.WorkerPoolSize)
		s.pool = semaphore.NewWeighted(s.poolSize)
	}
	return s
}

// ListenAndServe binds the configured listen address and serves until ctx is
// done or, with run_once, one session has finished. Bind failures are returned
// unchanged in meaning: nothing has started yet.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil when ctx is done or the
// listener is closed by Shutdown. After Shutdown it closes ln and returns at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.running.Add(1)
	s.ln = ln
	s.mu.Unlock()
	defer s.running.Done()
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	if s.limiter.Enabled() {
		sweepCtx, cancel := context.WithCancel(ctx)
		swept := make(chan struct{})
		go func() {
			defer close(swept)
			s.sweepLimiter(sweepCtx)
		}()
		defer func() {
			cancel()
			<-swept
		}()
	}

	obs.Info("server.listen", obs.Fields{
		"addr":      ln.Addr().String(),
		"primary":   s.cfg.Primary(),
		"shadows":   s.cfg.Shadows(),
		"run_once":  s.cfg.RunOnce,
		"pool_size": s.poolSize,
	})
	s.store.SetReady(true)
	defer s.store.SetReady(false)

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient failures such as EMFILE must not stop the relay.
			backoff = nextBackoff(backoff)
			obs.Error("accept.error", obs.Fields{"err": err.Error(), "retry_in": backoff.String()})
			obs.RejectedTotal.WithLabelValues("accept_error").Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		if !s.admit(c) {
			continue
		}
		if s.cfg.RunOnce {
			s.handle(ctx, c)
			return nil
		}
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			s.handle(ctx, c)
		}()
	}
}

func (s *Server) admit(c net.Conn) bool {
	if s.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr(c))
	if err != nil {
		host = remoteAddr(c)
	}
	if s.limiter.Allow(host) {
		return true
	}
	obs.Warn("accept.rate_limited", obs.Fields{"client": remoteAddr(c)})
	obs.RejectedTotal.WithLabelValues("rate_limit").Inc()
	_ = c.Close()
	return false
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("session.panic", obs.Fields{"err": fmt.Sprint(r), "client": remoteAddr(c)})
			_ = c.Close()
		}
	}()

	weight, err := s.acquire(ctx)
	if err != nil {
		obs.Warn("session.pool", obs.Fields{"err": err.Error(), "client": remoteAddr(c)})
		obs.RejectedTotal.WithLabelValues("shutdown").Inc()
		_ = c.Close()
		return
	}
	defer s.release(weight)

	sess := NewSession(c, s.cfg.Upstreams, s.dialer, Options{
		BufferSize:         s.cfg.BufferSize,
		DrainTimeout:       s.cfg.DrainTimeout,
		ShadowWriteTimeout: s.cfg.ShadowWriteTimeout,
		Store:              s.store,
	})
	obs.Info("session.accept", obs.Fields{"id": sess.ID, "client": remoteAddr(c)})
	if err := sess.Run(ctx); err != nil {
		obs.Error("session.failed", obs.Fields{"id": sess.ID, "client": remoteAddr(c), "err": err.Error()})
	}
}

// acquire reserves pool capacity for one session: a return pump, a discard
// pump per shadow and the broadcast loop. A session larger than the whole
// pool takes the whole pool.
func (s *Server) acquire(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, nil
	}
	w := min(int64(len(s.cfg.Upstreams)+1), s.poolSize)
	if err := s.pool.Acquire(ctx, w); err != nil {
		return 0, err
	}
	return w, nil
}

func (s *Server) release(w int64) {
	if s.pool != nil && w > 0 {
		s.pool.Release(w)
	}
}

func (s *Server) sweepLimiter(ctx context.Context) {
	t := time.NewTicker(limiterSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Sweep(limiterSweepInterval); n > 0 {
				obs.Debug("ratelimit.sweep", obs.Fields{"removed": n})
			}
		}
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting and waits for running sessions until ctx is done.
// Sessions are not interrupted; they end on their own termination events.
func (s *Server) Shutdown(ctx context.Context) error {
	s.store.SetClosing(true)
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
