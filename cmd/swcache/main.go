package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmgilman/go/errors"

	"swcache/internal/swcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.Parse()

	if err := run(configPath); err != nil {
		slog.Error("swcache stopped", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := cfg.NewProvider(ctx, logger)
	if err != nil {
		return errors.Wrap(err, errors.GetCode(err), "open storage")
	}

	opts := cfg.Options()
	opts.Provider = provider
	opts.Fetcher = swcache.NewHTTPFetcher(cfg.FetchTimeout())
	opts.Logger = logger

	w, err := swcache.NewWorker(opts)
	if err != nil {
		_ = provider.Close()
		return errors.Wrap(err, errors.CodeInvalidConfig, "init worker")
	}
	defer w.Close()

	// A failed install leaves the previous deployment serving.
	if err := w.Install(ctx); err != nil {
		return errors.Wrap(err, errors.GetCode(err), "install")
	}
	if err := w.Activate(ctx); err != nil {
		return errors.Wrap(err, errors.GetCode(err), "activate")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:           w,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("swcache listening", "addr", addr, "origin", cfg.Server.Origin, "static", w.Names().Static, "dynamic", w.Names().Dynamic)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
