// Package backend abstracts where a run's commands execute: a local process,
// a remote VM over SSH, or a disposable container on that VM.
package backend

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Result is the outcome of one command execution
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Backend runs shell commands against a working directory and moves
// artifacts between the host and the execution environment
type Backend interface {
	Kind() domain.BackendKind

	// Exec runs command in cwd with extra env vars. A non-zero exit code is
	// reported in the Result, not as an error; errors mean the command could
	// not be run or timed out.
	Exec(ctx context.Context, cwd, command string, env map[string]string, timeout time.Duration) (*Result, error)

	// Upload copies a host file into the execution environment
	Upload(ctx context.Context, localPath, remotePath string) error
	// Download copies a file from the execution environment to the host
	Download(ctx context.Context, remotePath, localPath string) error

	// Available probes whether the backend can execute right now
	Available(ctx context.Context) error

	Close() error
}

// shQuote single-quotes s for safe embedding in a shell command line
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envPrefix renders env vars as a deterministic "K='v' K2='v2' " prefix
func envPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shQuote(env[k]))
		b.WriteString(" ")
	}
	return b.String()
}
