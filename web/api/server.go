// Package api exposes the orchestrator over HTTP: run CRUD, diffs, and a
// websocket log tail.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// Runner is the orchestrator surface the API exposes
type Runner interface {
	StartRun(wo *domain.WorkOrder, sourceOverride string) (*domain.Run, error)
	CancelRun(id string) error
	GetRun(id string) (*domain.Run, error)
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	History(runID string) ([]domain.IterationRecord, error)
}

// Artifacts is the bundle surface the API reads from
type Artifacts interface {
	ReadDiff(runID string) (string, error)
	LogPath(runID string) string
}

// Server is the HTTP API server
type Server struct {
	runner    Runner
	artifacts Artifacts
	cfg       config.WebConfig
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
}

// NewServer creates the API server
func NewServer(runner Runner, artifacts Artifacts, cfg config.WebConfig, logger *zap.Logger) *Server {
	return &Server{
		runner:    runner,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

// Handler returns the routed handler, separated out for tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/diff", s.handleDiff)
	mux.HandleFunc("GET /api/runs/{id}/logs", s.handleLogs)
	return mux
}

// Start serves the API until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web api listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
