// Command collabd runs the collaboration relay: the WebSocket fan-out for
// live manuscript editing plus the section content endpoints clients use on
// load and after reconnecting.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"manuscript-collab/internal/config"
	"manuscript-collab/internal/hub"
	"manuscript-collab/internal/storage"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "collabd",
		Short: "Real-time manuscript collaboration relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "collabd.yaml", "path to configuration file")

	if err := root.Execute(); err != nil {
		slog.Error("collabd exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var store storage.Store
	if cfg.Server.DatabaseURL != "" {
		store, err = storage.NewPostgresStore(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("using postgres section store")
	} else {
		store = storage.NewMemoryStore()
		slog.Info("using in-memory section store")
	}
	defer store.Close()

	h := hub.NewHub()

	if cfg.Server.RedisAddr != "" {
		bridge, err := hub.NewRedisBridge(cfg.Server.RedisAddr)
		if err != nil {
			return err
		}
		defer bridge.Close()
		h.SetBridge(bridge)
		go bridge.Run()
		slog.Info("redis bridge enabled", "addr", cfg.Server.RedisAddr)
	}

	go h.Run()

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: hub.NewRouter(h, store, hub.HeaderResolver{}),
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("collabd listening", "addr", cfg.Server.ListenAddr)
		errc <- server.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	h.Shutdown()
	return server.Shutdown(shutdownCtx)
}
