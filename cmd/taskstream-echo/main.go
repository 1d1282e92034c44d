// taskstream-echo is a development backend that speaks the taskstream wire
// contract. Every message is answered by streaming it back word by word, so
// the client can be exercised end to end without a model behind it.
//
// Usage:
//
//	taskstream-echo --addr :8080 --token dev
//	taskstream-echo --config taskstream.yaml --data-dir ./data
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"

	"github.com/ricochet1k/taskstream/internal/config"
	"github.com/ricochet1k/taskstream/internal/echoserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("taskstream-echo", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file (default $"+config.EnvConfig+")")
	addr := flagSet.String("addr", "", "listen address")
	dataDir := flagSet.String("data-dir", "", "directory for JSONL message logs (default: in memory)")
	tokens := flagSet.StringSlice("token", nil, "accepted bearer token (repeatable; default: any)")
	delay := flagSet.Duration("chunk-delay", 0, "pause between streamed words")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("addr") {
		cfg.Echo.Addr = *addr
	}
	if flagSet.Changed("data-dir") {
		cfg.Echo.DataDir = *dataDir
	}
	if flagSet.Changed("token") {
		cfg.Echo.Tokens = *tokens
	}
	if flagSet.Changed("chunk-delay") {
		cfg.Echo.ChunkDelay = *delay
	}
	logger := cfg.Log.Logger(os.Stderr)

	srv, err := echoserver.New(echoserver.Options{
		Tokens:     cfg.Echo.Tokens,
		DataDir:    cfg.Echo.DataDir,
		ChunkDelay: cfg.Echo.ChunkDelay,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	srv.Mount(r)

	httpServer := &http.Server{
		Addr:              cfg.Echo.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Echo.Addr).Msg("echo backend listening")
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
