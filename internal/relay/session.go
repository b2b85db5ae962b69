package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/shadowtap/internal/obs"
	"github.com/matst80/shadowtap/internal/state"
)

// State is the lifecycle phase of a Session.
type State int32

const (
	StateDialing State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tune a Session. Zero values fall back to defaults.
type Options struct {
	BufferSize int
	// DrainTimeout bounds how long the primary may keep responding after
	// the client finished sending.
	DrainTimeout time.Duration
	// ShadowWriteTimeout bounds each chunk write to a shadow. Zero disables it.
	ShadowWriteTimeout time.Duration
	// Store receives session bookkeeping; nil disables it.
	Store state.Store
}

const defaultDrainTimeout = 30 * time.Second

type upstream struct {
	addr    string
	primary bool
	conn    net.Conn
}

func (u *upstream) role() string {
	if u.primary {
		return obs.RolePrimary
	}
	return obs.RoleShadow
}

// Session relays one client connection. It owns the client socket and every
// upstream socket it manages to open.
type Session struct {
	ID string

	client net.Conn
	addrs  []string
	dialer *Dialer
	opts   Options

	state     atomic.Int32
	reason    string
	upstreams []*upstream // dialed upstreams in configured order; [0] is the primary
	live      []*upstream // broadcast set, owned by the broadcast loop
	closeOnce sync.Once

	started        time.Time
	bytesIn        atomic.Int64
	bytesReturned  atomic.Int64
	bytesDiscarded atomic.Int64
}

// NewSession prepares a session for client. addrs is the ordered upstream
// list; addrs[0] is the primary.
func NewSession(client net.Conn, addrs []string, dialer *Dialer, opts Options) *Session {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Session{
		ID:     uuid.NewString(),
		client: client,
		addrs:  addrs,
		dialer: dialer,
		opts:   opts,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Alive reports whether no terminal event has fired yet.
func (s *Session) Alive() bool { return s.State() < StateDraining }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run dials the upstreams and relays until the session terminates. It
// returns an error only when the session could not start relaying; the
// client connection is closed in every case.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()

	if len(s.addrs) == 0 {
		s.closeAll()
		s.finish("no_upstreams")
		return ErrNoUpstreams
	}

	results := s.dialer.DialAll(ctx, s.addrs)
	for i, r := range results {
		if r.Err != nil {
			s.dialFailed(r)
			continue
		}
		s.upstreams = append(s.upstreams, &upstream{addr: r.Addr, primary: i == 0, conn: r.Conn})
	}

	switch {
	case len(s.upstreams) == 0:
		s.closeAll()
		s.finish("no_upstreams")
		return fmt.Errorf("%w: %w", ErrNoUpstreams, results[0].Err)
	case results[0].Err != nil:
		s.closeAll()
		s.finish("primary_unreachable")
		return fmt.Errorf("%w: %w", ErrPrimaryUnreachable, results[0].Err)
	}

	s.live = append([]*upstream(nil), s.upstreams...)
	s.setState(StateActive)
	s.register()
	s.relay()
	s.unregister()
	s.finish("completed")
	return nil
}

func (s *Session) dialFailed(r DialResult) {
	var de *DialError
	primary := errors.As(r.Err, &de) && de.Primary
	f := obs.Fields{"id": s.ID, "upstream": r.Addr, "err": r.Err.Error()}
	if primary {
		obs.Error("session.dial.primary", f)
		obs.DialFailuresTotal.WithLabelValues(obs.RolePrimary).Inc()
	} else {
		obs.Warn("session.dial.shadow", f)
		obs.DialFailuresTotal.WithLabelValues(obs.RoleShadow).Inc()
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.RecordDialFailure(r.Addr, primary); err != nil {
			obs.Error("state.dial_failure", obs.Fields{"id": s.ID, "err": err.Error()})
		}
	}
}

func (s *Session) relay() {
	primary := s.upstreams[0]

	returnDone := make(chan struct{})
	go func() {
		defer close(returnDone)
		n, err := Pump(s.client, primary.conn, s.opts.BufferSize)
		s.bytesReturned.Add(n)
		obs.BytesTotal.WithLabelValues(obs.DirPrimaryToClient).Add(float64(n))
		obs.Debug("session.return.done", errFields(s.ID, primary.addr, err))
	}()

	var discards sync.WaitGroup
	for _, u := range s.upstreams[1:] {
		discards.Add(1)
		go func() {
			defer discards.Done()
			n, err := Pump(io.Discard, u.conn, s.opts.BufferSize)
			s.bytesDiscarded.Add(n)
			obs.BytesTotal.WithLabelValues(obs.DirShadowDiscarded).Add(float64(n))
			obs.Debug("session.discard.done", errFields(s.ID, u.addr, err))
		}()
	}

	broadcastDone := make(chan error, 1)
	go func() { broadcastDone <- s.broadcast() }()

	select {
	case <-returnDone:
		s.drain("primary_closed")
		s.closeAll()
		<-broadcastDone
	case err := <-broadcastDone:
		if err != nil {
			s.drain("client_error")
		} else {
			// Let upstreams see end of request and give the primary time
			// to finish its response.
			s.drain("client_eof")
			s.closeWriteLive()
			timer := time.NewTimer(s.opts.DrainTimeout)
			select {
			case <-returnDone:
			case <-timer.C:
				obs.Warn("session.drain.timeout", obs.Fields{"id": s.ID, "timeout": s.opts.DrainTimeout.String()})
			}
			timer.Stop()
		}
		s.closeAll()
		<-returnDone
	}
	discards.Wait()
}

// broadcast reads the client and writes every chunk to all live upstreams
// before issuing the next read. It returns nil on client end of stream.
func (s *Session) broadcast() error {
	buf := make([]byte, s.opts.BufferSize)
	for {
		n, err := s.client.Read(buf)
		if n > 0 {
			if !s.Alive() {
				return nil
			}
			s.bytesIn.Add(int64(n))
			obs.BytesTotal.WithLabelValues(obs.DirClientToUpstreams).Add(float64(n))
			s.fanOut(buf[:n])
			if len(s.live) == 0 {
				return ErrNoUpstreams
			}
		}
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// fanOut writes chunk to every live upstream concurrently and waits for all
// of them. Failed targets leave the broadcast set for good.
func (s *Session) fanOut(chunk []byte) {
	errs := make([]error, len(s.live))
	if len(s.live) == 1 {
		errs[0] = s.write(s.live[0], chunk)
	} else {
		var wg sync.WaitGroup
		for i, u := range s.live {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.write(u, chunk)
			}()
		}
		wg.Wait()
	}

	kept := s.live[:0]
	for i, u := range s.live {
		if errs[i] == nil {
			kept = append(kept, u)
			continue
		}
		s.dropUpstream(u, errs[i])
	}
	s.live = kept
}

func (s *Session) write(u *upstream, chunk []byte) error {
	if !u.primary && s.opts.ShadowWriteTimeout > 0 {
		_ = u.conn.SetWriteDeadline(time.Now().Add(s.opts.ShadowWriteTimeout))
		defer u.conn.SetWriteDeadline(time.Time{})
	}
	_, err := u.conn.Write(chunk)
	return err
}

// dropUpstream removes u from future broadcasts. A shadow is closed at once,
// which also ends its discard pump. The primary stays open so the return
// pump can observe the failure itself.
func (s *Session) dropUpstream(u *upstream, err error) {
	if !s.Alive() {
		// Sockets are being torn down; failures are expected.
		return
	}
	obs.Warn("session.upstream.dropped", obs.Fields{"id": s.ID, "upstream": u.addr, "role": u.role(), "err": err.Error()})
	obs.UpstreamDroppedTotal.WithLabelValues(u.role()).Inc()
	if !u.primary {
		_ = u.conn.Close()
	}
}

func (s *Session) drain(reason string) {
	if s.State() >= StateDraining {
		return
	}
	s.reason = reason
	s.setState(StateDraining)
	obs.Debug("session.draining", obs.Fields{"id": s.ID, "reason": reason})
}

type closeWriter interface {
	CloseWrite() error
}

func (s *Session) closeWriteLive() {
	for _, u := range s.live {
		if cw, ok := u.conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	}
}

// closeAll closes the client and every upstream the session opened.
func (s *Session) closeAll() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		for _, u := range s.upstreams {
			_ = u.conn.Close()
		}
	})
}

func (s *Session) register() {
	if s.opts.Store == nil {
		return
	}
	info := state.SessionInfo{ID: s.ID, Client: remoteAddr(s.client), Started: s.started}
	for _, u := range s.upstreams {
		info.Upstreams = append(info.Upstreams, u.addr)
	}
	if err := s.opts.Store.Open(info); err != nil {
		obs.Error("state.open", obs.Fields{"id": s.ID, "err": err.Error()})
	}
}

func (s *Session) unregister() {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Close(s.ID); err != nil {
		obs.Error("state.close", obs.Fields{"id": s.ID, "err": err.Error()})
	}
}

func (s *Session) finish(outcome string) {
	s.setState(StateClosed)
	d := time.Since(s.started)
	obs.SessionsTotal.WithLabelValues(outcome).Inc()
	obs.SessionDurationSeconds.Observe(d.Seconds())
	obs.Info("session.closed", obs.Fields{
		"id":              s.ID,
		"outcome":         outcome,
		"reason":          s.reason,
		"upstreams":       len(s.upstreams),
		"bytes_in":        s.bytesIn.Load(),
		"bytes_returned":  s.bytesReturned.Load(),
		"bytes_discarded": s.bytesDiscarded.Load(),
		"duration_ms":     d.Milliseconds(),
	})
}

func errFields(id, addr string, err error) obs.Fields {
	f := obs.Fields{"id": id, "upstream": addr}
	if err != nil {
		f["err"] = err.Error()
	}
	return f
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
