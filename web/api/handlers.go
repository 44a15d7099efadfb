package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/workorder"
)

// runView is the wire shape of a run
type runView struct {
	ID                string    `json:"id"`
	WorkOrderID       string    `json:"work_order_id"`
	ProjectID         string    `json:"project_id"`
	Status            string    `json:"status"`
	BranchName        string    `json:"branch_name,omitempty"`
	SourceBranch      string    `json:"source_branch,omitempty"`
	BuilderIteration  int       `json:"builder_iteration"`
	MergeStatus       string    `json:"merge_status,omitempty"`
	ConflictWithRunID string    `json:"conflict_with_run_id,omitempty"`
	Backend           string    `json:"backend,omitempty"`
	FallbackReasons   []string  `json:"fallback_reasons,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func viewOf(run *domain.Run) runView {
	return runView{
		ID:                run.ID,
		WorkOrderID:       run.WorkOrderID,
		ProjectID:         run.ProjectID,
		Status:            string(run.Status),
		BranchName:        run.BranchName,
		SourceBranch:      run.SourceBranch,
		BuilderIteration:  run.BuilderIteration,
		MergeStatus:       string(run.MergeStatus),
		ConflictWithRunID: run.ConflictWithRunID,
		Backend:           string(run.Backend),
		FallbackReasons:   run.FallbackReasons,
		Reason:            run.Reason,
		CreatedAt:         run.CreatedAt,
		UpdatedAt:         run.UpdatedAt,
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := runstore.ListOptions{
		ProjectID: r.URL.Query().Get("project"),
		Status:    domain.RunStatus(r.URL.Query().Get("status")),
		Limit:     50,
	}

	runs, err := s.runner.ListRuns(opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewOf(run))
	}
	s.writeJSON(w, http.StatusOK, views)
}

type startRunRequest struct {
	WorkOrderPath string `json:"work_order_path"`
	SourceBranch  string `json:"source_branch"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkOrderPath == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("work_order_path is required"))
		return
	}

	wo, err := workorder.Load(req.WorkOrderPath)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.runner.StartRun(wo, req.SourceBranch)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrBudgetBlocked) {
			status = http.StatusTooManyRequests
		}
		s.writeError(w, status, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, viewOf(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.GetRun(r.PathValue("id"))
	if errors.Is(err, domain.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	history, err := s.runner.History(run.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		runView
		History []domain.IterationRecord `json:"history"`
	}{viewOf(run), history})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.runner.CancelRun(r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrRunTerminal):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := s.artifacts.ReadDiff(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff")
	w.Write([]byte(diff))
}

// handleLogs streams the run log over a websocket: existing content first,
// then appended lines as they land, until the client hangs up
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer conn.Close()

	path := s.artifacts.LogPath(r.PathValue("id"))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var offset int64
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		chunk, n, err := readFrom(path, offset)
		if err != nil {
			s.logger.Warn("reading run log failed", zap.String("path", path), zap.Error(err))
			return
		}
		if n > 0 {
			if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
				return
			}
			offset += n
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// readFrom returns the log bytes past offset. A log that does not exist yet
// is empty, not an error.
func readFrom(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if info.Size() <= offset {
		return nil, 0, nil
	}

	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}
	return buf, int64(len(buf)), nil
}
