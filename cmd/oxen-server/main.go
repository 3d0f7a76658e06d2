// Command oxen-server serves one repository over the content-addressed
// HTTP API, with a websocket event stream for commit and branch updates.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/server"
)

var version = "dev"

func main() {
	repoPath := flag.String("repo", ".", "path to the repository to serve")
	addr := flag.String("addr", "localhost:3000", "listen address")
	initRepo := flag.Bool("init", false, "initialize the repository if missing")
	flag.Parse()

	setupLogging()

	var r *repo.Repository
	var err error
	if *initRepo && !repo.IsRepository(*repoPath) {
		r, err = repo.Init(*repoPath)
	} else {
		r, err = repo.Open(*repoPath)
	}
	if err != nil {
		slog.Error("Failed to open repository", "path", *repoPath, "err", err)
		os.Exit(1)
	}

	slog.Info("Starting oxen-server", "version", version)
	slog.Info("Repository loaded", "path", r.Path())
	slog.Info("Listening", "addr", "http://"+*addr)

	srv := server.New(r, *addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutdown initiated, press Ctrl+C again to force exit")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "err", err)
		}
		go func() {
			<-sigCh
			os.Exit(1)
		}()
	}()

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "err", err)
		os.Exit(1)
	}
}

// setupLogging reads OXEN_LOG_LEVEL and OXEN_LOG_FORMAT from the
// environment, constructs the appropriate slog.Handler, and installs it as
// the default logger.
func setupLogging() {
	level := slog.LevelInfo
	switch os.Getenv("OXEN_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if os.Getenv("OXEN_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
