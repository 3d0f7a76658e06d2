// Package server implements the wire protocol over a local repository: the
// content-addressed versions API, Merkle node transfer, branch table,
// revision-addressed file access with optimistic concurrency, and a
// websocket event stream for commit and branch updates.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oxen-ai/oxen-go/internal/repo"
)

// Server serves one repository.
type Server struct {
	addr   string
	repo   *repo.Repository
	logger *slog.Logger

	httpServer *http.Server
	hub        *eventHub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server for the repository at addr.
func New(r *repo.Repository, addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		repo:   r,
		logger: slog.Default(),
		hub:    newEventHub(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Repo returns the served repository.
func (s *Server) Repo() *repo.Repository { return s.repo }

// routes builds the request mux. The repository path parameters (namespace
// and name) identify the served repository; this server hosts exactly one
// and answers any ns/name pair addressed to it.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Content-addressed versions API.
	mux.HandleFunc("GET /api/repos/{ns}/{name}/versions/{hash}/metadata", s.handleVersionMetadata)
	mux.HandleFunc("GET /api/repos/{ns}/{name}/versions/{hash}", s.handleVersionGet)
	mux.HandleFunc("POST /api/repos/{ns}/{name}/versions", s.handleVersionBatchUpload)
	mux.HandleFunc("POST /api/repos/{ns}/{name}/versions/batch/download", s.handleVersionBatchDownload)
	mux.HandleFunc("PUT /api/repos/{ns}/{name}/versions/{hash}/chunks/{index}", s.handleVersionChunkPut)
	mux.HandleFunc("POST /api/repos/{ns}/{name}/versions/{hash}/complete", s.handleVersionComplete)

	// Merkle node transfer.
	mux.HandleFunc("HEAD /api/repos/{ns}/{name}/tree/nodes/{hash}", s.handleNodeHead)
	mux.HandleFunc("GET /api/repos/{ns}/{name}/tree/nodes/{hash}", s.handleNodeGet)
	mux.HandleFunc("POST /api/repos/{ns}/{name}/tree/nodes/{hash}", s.handleNodePut)

	// Branch table.
	mux.HandleFunc("GET /api/repos/{ns}/{name}/branches", s.handleBranchList)
	mux.HandleFunc("POST /api/repos/{ns}/{name}/branches/{branch...}", s.handleBranchSet)

	// Revision-addressed file access.
	mux.HandleFunc("GET /repos/{ns}/{name}/file/{branch}/{path...}", s.handleFileGet)
	mux.HandleFunc("PUT /repos/{ns}/{name}/file/{branch}/{path...}", s.handleFilePut)

	// Event stream.
	mux.HandleFunc("GET /ws/events", s.handleWebSocket)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return requestLogger(s.logger, recoverer(s.logger, mux))
}

// Start begins serving and blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	if err := s.startWatcher(); err != nil {
		s.logger.Warn("ref watcher unavailable", "err", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("serving repository", "path", s.repo.Path(), "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, the watcher, and every websocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.closeAll()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// Handler exposes the route tree for tests via httptest.
func (s *Server) Handler() http.Handler { return s.routes() }
