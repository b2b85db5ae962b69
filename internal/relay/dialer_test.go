package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDialAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	a := listenAndDrop(t)
	dead := refusedAddr(t)
	c := listenAndDrop(t)

	results := NewDialer(time.Second).DialAll(context.Background(), []string{a, dead, c})
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, want := range []string{a, dead, c} {
		if results[i].Addr != want {
			t.Errorf("results[%d].Addr = %s, want %s", i, results[i].Addr, want)
		}
	}
	if results[0].Conn == nil || results[2].Conn == nil {
		t.Fatalf("reachable upstreams not connected: %+v", results)
	}
	defer results[0].Conn.Close()
	defer results[2].Conn.Close()

	var de *DialError
	if !errors.As(results[1].Err, &de) {
		t.Fatalf("results[1].Err = %v, want *DialError", results[1].Err)
	}
	if de.Primary || de.Addr != dead {
		t.Errorf("DialError = %+v", de)
	}
}

func TestDialAllMarksPrimary(t *testing.T) {
	results := NewDialer(time.Second).DialAll(context.Background(), []string{refusedAddr(t)})
	var de *DialError
	if !errors.As(results[0].Err, &de) || !de.Primary {
		t.Fatalf("primary failure not marked: %v", results[0].Err)
	}
}

func TestDialAllIsConcurrent(t *testing.T) {
	const delay = 100 * time.Millisecond
	d := &Dialer{dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
		time.Sleep(delay)
		c, _ := net.Pipe()
		return c, nil
	}}
	start := time.Now()
	results := d.DialAll(context.Background(), []string{"a:1", "b:1", "c:1", "d:1", "e:1"})
	if elapsed := time.Since(start); elapsed > 3*delay {
		t.Errorf("dialing took %v; dials are not concurrent", elapsed)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("%s: %v", r.Addr, r.Err)
		}
		r.Conn.Close()
	}
}

func TestDialAllTimeout(t *testing.T) {
	d := &Dialer{Timeout: 50 * time.Millisecond, dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	results := d.DialAll(context.Background(), []string{"slow:1"})
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", results[0].Err)
	}
}
