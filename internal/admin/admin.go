// Package admin serves Prometheus metrics, health probes and a JSON view of
// running sessions.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matst80/shadowtap/internal/obs"
	"github.com/matst80/shadowtap/internal/state"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateView is the /api/state document.
type StateView struct {
	state.Stats
	Sessions []state.SessionInfo `json:"sessions"`
}

// Server is the admin HTTP endpoint.
type Server struct {
	store state.Store
	http  *http.Server
}

func NewServer(addr string, store state.Store) *Server {
	s := &Server{store: store}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.store.IsClosing() || !s.store.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats()
	if err != nil {
		obs.Error("admin.state.stats", obs.Fields{"err": err.Error()})
		http.Error(w, "state unavailable", http.StatusBadGateway)
		return
	}
	sessions, err := s.store.Sessions()
	if err != nil {
		obs.Error("admin.state.sessions", obs.Fields{"err": err.Error()})
		http.Error(w, "state unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StateView{Stats: st, Sessions: sessions})
}

// Serve listens on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	obs.Info("admin.listen", obs.Fields{"addr": ln.Addr().String()})
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
