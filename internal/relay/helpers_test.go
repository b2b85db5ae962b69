package relay

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/shadowtap/internal/config"
	"github.com/matst80/shadowtap/internal/state"
)

const testTimeout = 5 * time.Second

// startUpstream runs handler for every connection accepted on a loopback
// listener and returns the listener address.
func startUpstream(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handler(c)
			}()
		}
	}()
	return ln.Addr().String()
}

// echoLine reads one line, records it, echoes it back and closes.
func echoLine(captured chan<- string) func(net.Conn) {
	return func(c net.Conn) {
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil {
			return
		}
		captured <- line
		_, _ = c.Write([]byte(line))
	}
}

// echoAll reads until end of stream, records everything, echoes it back and closes.
func echoAll(captured chan<- string) func(net.Conn) {
	return func(c net.Conn) {
		data, _ := io.ReadAll(c)
		captured <- string(data)
		_, _ = c.Write(data)
	}
}

func listenAndDrop(t *testing.T) string {
	return startUpstream(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
}

// refusedAddr returns a loopback address nothing listens on.
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(upstreams ...string) *config.Config {
	cfg := &config.Config{
		ListenAddr: "127.0.0.1:0",
		Upstreams:  upstreams,
		RunOnce:    true,
	}
	config.ApplyDefaults(cfg)
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

// startRelay serves cfg on a loopback listener and returns its address and a
// channel receiving Serve's result.
func startRelay(t *testing.T, cfg *config.Config) (*Server, string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(cfg, state.NewMemory())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() { ln.Close() })
	return srv, ln.Addr().String(), done
}

func dialRelay(t *testing.T, addr string) *net.TCPConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	_ = c.SetDeadline(time.Now().Add(testTimeout))
	return c.(*net.TCPConn)
}

func receive(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return")
	}
}
