package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Elixir70/ragol/internal/config"
	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/proxy"
)

const defaultConfigPath = "config/server.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := defaultConfigPath
	if p := os.Getenv("RAGOL_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var keys []*crypto.BBKeyFile
	for _, p := range cfg.BBKeyFiles {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading key file %s: %w", p, err)
		}
		k, err := crypto.ParseBBKeyFile(data)
		if err != nil {
			return fmt.Errorf("parsing key file %s: %w", p, err)
		}
		keys = append(keys, k)
	}

	// The proxy only observes credentials; its index lives in memory.
	idx := license.NewIndex(nil)

	srv := proxy.NewServer(cfg, idx, keys)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	// The Xbox 9E/9F login exchange needs its own listener; the port
	// decides the initial version.
	if _, ok := cfg.ProxyUpstreams["XB"]; ok {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ProxyPort+1)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			return srv.Serve(gctx, ln, protocol.VersionXB)
		})
	}
	return g.Wait()
}
