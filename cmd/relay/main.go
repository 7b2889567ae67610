// xrcall relay: signaling relay entry point.
//
// Accepts WebSocket clients at "/" and forwards every text frame from one
// client to all others. Two xrcall clients pointed at the same relay can
// negotiate a call.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/1ureka/xrcall/internal/config"
	"github.com/1ureka/xrcall/internal/relay"
	"github.com/1ureka/xrcall/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	listen := pflag.StringP("listen", "l", "", "Listen address (default 127.0.0.1:8765)")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("listen") {
		cfg.RelayListen = *listen
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	hub := relay.NewHub()
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.RelayListen,
		Handler:           relay.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		util.LogSuccess("relay listening on ws://%s/", cfg.RelayListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	util.LogInfo("shutting down relay (%d clients connected)", hub.Clients())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogError("relay forced to shut down: %v", err)
	}

	hub.Stop()
	util.LogInfo("relay exited")
}
