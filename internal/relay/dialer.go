package relay

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer opens one connection per upstream address, all at once.
type Dialer struct {
	// Timeout bounds each individual dial. Zero means no bound beyond ctx.
	Timeout time.Duration
	dial    DialFunc
}

func NewDialer(timeout time.Duration) *Dialer {
	nd := &net.Dialer{KeepAlive: 30 * time.Second}
	return &Dialer{Timeout: timeout, dial: nd.DialContext}
}

// DialResult is the outcome for one address; exactly one of Conn and Err is set.
type DialResult struct {
	Addr string
	Conn net.Conn
	Err  error
}

// DialAll dials every address concurrently and returns results in the same
// order as addrs. Index 0 is treated as the primary. One failure never stops
// the other dials; failed entries carry a *DialError.
func (d *Dialer) DialAll(ctx context.Context, addrs []string) []DialResult {
	results := make([]DialResult, len(addrs))
	var eg errgroup.Group
	for i, addr := range addrs {
		eg.Go(func() error {
			dctx := ctx
			if d.Timeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(ctx, d.Timeout)
				defer cancel()
			}
			conn, err := d.dial(dctx, "tcp", addr)
			if err != nil {
				results[i] = DialResult{Addr: addr, Err: &DialError{Addr: addr, Primary: i == 0, Err: err}}
				return nil
			}
			results[i] = DialResult{Addr: addr, Conn: conn}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}
