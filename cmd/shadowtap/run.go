package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/shadowtap/internal/admin"
	"github.com/matst80/shadowtap/internal/config"
	"github.com/matst80/shadowtap/internal/obs"
	"github.com/matst80/shadowtap/internal/relay"
	"github.com/matst80/shadowtap/internal/state"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay (default command)",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Debug || debug {
		obs.EnableDebug(true)
	}

	store, err := state.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r, ok := store.(*state.Redis); ok {
		defer r.Shutdown()
		go r.Maintain(ctx)
	}

	var adm *admin.Server
	if cfg.AdminAddr != "" {
		adm = admin.NewServer(cfg.AdminAddr, store)
		go func() {
			if err := adm.ListenAndServe(); err != nil {
				obs.Error("admin.server", obs.Fields{"err": err.Error(), "addr": cfg.AdminAddr})
			}
		}()
	}

	srv := relay.NewServer(cfg, store)
	serveErr := srv.ListenAndServe(ctx)
	if serveErr != nil {
		obs.Error("server.listen", obs.Fields{"err": serveErr.Error(), "addr": cfg.ListenAddr})
	}

	obs.Info("server.shutdown", obs.Fields{"grace": cfg.ShutdownGrace.String()})
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	} else if err != nil {
		obs.Warn("server.shutdown.sessions_abandoned", obs.Fields{"grace": cfg.ShutdownGrace.String()})
	}
	if adm != nil {
		_ = adm.Shutdown(graceCtx)
	}
	obs.Info("server.shutdown.complete", nil)
	return serveErr
}
