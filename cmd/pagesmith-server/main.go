package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pagesmith/pagesmith/internal/config"
	"github.com/pagesmith/pagesmith/internal/relay"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	fs := flag.NewFlagSet("pagesmith-server", flag.ExitOnError)
	cfgPath := fs.String("config", "pagesmith.yaml", "Config file path")
	showVersion := fs.Bool("version", false, "Print build information and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("pagesmith-server %s (%s)\n", Version, Commit)
		return
	}

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	apiKey := os.Getenv(cfg.Provider.APIKeyEnv)
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "environment variable %s is not set\n", cfg.Provider.APIKeyEnv)
		os.Exit(1)
	}
	provider, err := relay.NewProvider(cfg.Provider.Type, cfg.Provider.BaseURL, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider: %v\n", err)
		os.Exit(1)
	}

	svc, err := relay.New(relay.Options{
		Log:               logger,
		Provider:          provider,
		Model:             cfg.Provider.Model,
		MaxMessageBytes:   cfg.Limits.MaxMessageBytes,
		DocContextBytes:   cfg.Limits.DocContextBytes,
		RelayTimeout:      time.Duration(cfg.Limits.RelayTimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		Burst:             cfg.Limits.Burst,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init relay: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	svc.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "provider", cfg.Provider.Type, "model", cfg.Provider.Model, "version", Version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
		logger.Info("server stopped")
	}
}
