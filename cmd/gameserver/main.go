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
	"github.com/Elixir70/ragol/internal/db"
	"github.com/Elixir70/ragol/internal/gameserver"
	"github.com/Elixir70/ragol/internal/license"
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

	idx := license.NewIndex(nil)
	if cfg.Database.Host != "" {
		if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		database, err := db.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		repo := db.NewLicenseRepository(database)
		idx = license.NewIndex(repo)
		n, err := repo.LoadAll(ctx, idx)
		if err != nil {
			return fmt.Errorf("loading licenses: %w", err)
		}
		slog.Info("licenses loaded", "count", n)
	}

	keys, err := loadBBKeyFiles(cfg.BBKeyFiles)
	if err != nil {
		return err
	}

	srv := gameserver.NewServer(cfg, idx, keys, nil, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.GamePort+2)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		return srv.ServeXB(gctx, ln)
	})
	if len(keys) > 0 {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.GamePort+1)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			return srv.ServeBB(gctx, ln)
		})
	}
	return g.Wait()
}

func loadBBKeyFiles(paths []string) ([]*crypto.BBKeyFile, error) {
	var keys []*crypto.BBKeyFile
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading key file %s: %w", p, err)
		}
		k, err := crypto.ParseBBKeyFile(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", p, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
