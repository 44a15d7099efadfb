// Package artifact persists the durable per-run record: diff, logs, full
// test output, and iteration history. The bundle on disk is inspectable
// without the database and survives it.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Bundle file names, stable so humans and tooling can rely on them
const (
	DiffFile    = "diff.patch"
	LogFile     = "run.log"
	HistoryFile = "iteration_history.json"
	TestFile    = "test_output.txt"
)

// Store manages per-run artifact bundles under a root directory
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates an artifact Store rooted at root
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{root: root, logger: logger}
}

// Dir returns the bundle directory for a run
func (s *Store) Dir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) ensure(runID string) (string, error) {
	dir := s.Dir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	return dir, nil
}

// AppendLog appends a timestamped line to the run log
func (s *Store) AppendLog(runID, line string) error {
	dir, err := s.ensure(runID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s\n", time.Now().Format(time.RFC3339), line)
	return err
}

// LogPath returns the run log path, used by the websocket tail
func (s *Store) LogPath(runID string) string {
	return filepath.Join(s.Dir(runID), LogFile)
}

// AppendTestOutput appends one iteration's full, untruncated test output.
// Debuggability lives here; prompts only ever see the truncated tail.
func (s *Store) AppendTestOutput(runID string, iteration int, output string) error {
	dir, err := s.ensure(runID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, TestFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "=== iteration %d ===\n%s\n", iteration, output)
	return err
}

// WriteDiff writes the run branch's diff against its base
func (s *Store) WriteDiff(runID, diff string) error {
	dir, err := s.ensure(runID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, DiffFile), []byte(diff), 0644)
}

// ReadDiff returns the stored diff, or "" if none was written
func (s *Store) ReadDiff(runID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(runID), DiffFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteIterationHistory mirrors the full iteration history to the bundle
func (s *Store) WriteIterationHistory(runID string, recs []domain.IterationRecord) error {
	dir, err := s.ensure(runID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, HistoryFile), data, 0644)
}

// ReadIterationHistory loads the bundle's iteration history
func (s *Store) ReadIterationHistory(runID string) ([]domain.IterationRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(runID), HistoryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []domain.IterationRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Downloader pulls files out of a remote execution environment
type Downloader interface {
	Download(ctx context.Context, remotePath, localPath string) error
}

// MirrorRemote copies the named files from a remote workspace directory into
// the run's bundle, downloading them concurrently. Missing remote files are
// skipped: a run that never wrote a log is not an error.
func (s *Store) MirrorRemote(ctx context.Context, dl Downloader, runID, remoteDir string, files []string) error {
	dir, err := s.ensure(runID)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range files {
		remote := path.Join(remoteDir, name)
		local := filepath.Join(dir, name)
		g.Go(func() error {
			if err := dl.Download(ctx, remote, local); err != nil {
				s.logger.Warn("mirroring remote artifact failed",
					zap.String("run_id", runID),
					zap.String("file", remote),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// ListRunIDs returns all run ids with a bundle on disk, oldest first
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type bundle struct {
		id  string
		mod time.Time
	}
	var bundles []bundle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bundles = append(bundles, bundle{id: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].mod.Before(bundles[j].mod) })

	ids := make([]string, len(bundles))
	for i, b := range bundles {
		ids[i] = b.id
	}
	return ids, nil
}

// Remove deletes a run's bundle
func (s *Store) Remove(runID string) error {
	return os.RemoveAll(s.Dir(runID))
}
