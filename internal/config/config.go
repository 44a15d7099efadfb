package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Project   ProjectConfig   `toml:"project"`
	VM        VMConfig        `toml:"vm"`
	Container ContainerConfig `toml:"container"`
	Builder   BuilderConfig   `toml:"builder"`
	Merge     MergeConfig     `toml:"merge"`
	Web       WebConfig       `toml:"web"`
	Janitor   JanitorConfig   `toml:"janitor"`
}

// GeneralConfig holds paths and global limits
type GeneralConfig struct {
	WorktreeDir  string `toml:"worktree_dir"`
	ArtifactDir  string `toml:"artifact_dir"`
	QueueDir     string `toml:"queue_dir"`
	DatabasePath string `toml:"database_path"`
	MaxParallel  int    `toml:"max_parallel_runs"`
}

// ProjectConfig describes the repository runs execute against
type ProjectConfig struct {
	ID            string `toml:"id"`
	RepoDir       string `toml:"repo_dir"`
	TrunkBranch   string `toml:"trunk_branch"`
	IsolationMode string `toml:"isolation_mode"` // local | vm | vm_container
	TestCommand   string `toml:"test_command"`
	// Dependency directories symlinked into fresh worktrees so they are
	// self-sufficient (e.g. node_modules, .venv)
	LinkDirs []string `toml:"link_dirs"`
}

// VMConfig holds remote VM connection settings
type VMConfig struct {
	Host         string `toml:"host"`
	User         string `toml:"user"`
	Port         int    `toml:"port"`
	IdentityFile string `toml:"identity_file"`
	// Run-scoped workspaces are created under this directory on the VM
	WorkspaceDir string `toml:"workspace_dir"`
	// Invoked locally once if the VM is not reachable (e.g. a cloud CLI
	// start command); VM provisioning itself is out of scope
	StartCommand string `toml:"start_command"`
}

// ContainerConfig holds settings for disposable containers on the VM
type ContainerConfig struct {
	Runtime string            `toml:"runtime"` // docker | podman
	Image   string            `toml:"image"`
	Secrets map[string]string `toml:"secrets"` // injected as env vars
}

// BuilderConfig holds the agent loop settings
type BuilderConfig struct {
	Command         string `toml:"command"`          // builder agent command template
	ReviewerCommand string `toml:"reviewer_command"` // reviewer agent command template
	MaxIterations   int    `toml:"max_iterations"`
	// Tail of test output replayed into builder prompts; full output always
	// goes to the artifact bundle
	TestOutputTailLines int      `toml:"test_output_tail_lines"`
	CommandTimeout      duration `toml:"command_timeout"`
}

// MergeConfig holds merge lock tuning
type MergeConfig struct {
	LockTTL      duration `toml:"lock_ttl"`
	WaitTimeout  duration `toml:"wait_timeout"`
	PollInterval duration `toml:"poll_interval"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// JanitorConfig holds maintenance sweep settings
type JanitorConfig struct {
	Schedule     string `toml:"schedule"` // cron expression
	ArtifactKeep int    `toml:"artifact_keep"`
	// Worktrees of failed or conflicted runs are kept this long for
	// inspection before the sweep removes them
	WorktreeKeepHours int  `toml:"worktree_keep_hours"`
	SweepDisabled     bool `toml:"sweep_disabled"`
}

// duration wraps time.Duration with TOML string parsing ("10m", "30s")
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration
func (d duration) Std() time.Duration { return time.Duration(d) }

// LockTTLValue returns the merge lock TTL as a time.Duration
func (c *Config) LockTTLValue() time.Duration { return c.Merge.LockTTL.Std() }

// WaitTimeoutValue returns the merge lock wait timeout
func (c *Config) WaitTimeoutValue() time.Duration { return c.Merge.WaitTimeout.Std() }

// PollIntervalValue returns the merge lock poll interval
func (c *Config) PollIntervalValue() time.Duration { return c.Merge.PollInterval.Std() }

// CommandTimeoutValue returns the per-command execution timeout
func (c *Config) CommandTimeoutValue() time.Duration { return c.Builder.CommandTimeout.Std() }

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".run-orchestrator")
	return &Config{
		General: GeneralConfig{
			WorktreeDir:  filepath.Join(base, "worktrees"),
			ArtifactDir:  filepath.Join(base, "artifacts"),
			QueueDir:     filepath.Join(base, "queue"),
			DatabasePath: filepath.Join(base, "orchestrator.db"),
			MaxParallel:  3,
		},
		Project: ProjectConfig{
			TrunkBranch:   "main",
			IsolationMode: "local",
			TestCommand:   "make test",
		},
		VM: VMConfig{
			User:         "agent",
			Port:         22,
			WorkspaceDir: "/var/lib/run-orchestrator/workspaces",
		},
		Container: ContainerConfig{
			Runtime: "docker",
			Image:   "ubuntu:24.04",
		},
		Builder: BuilderConfig{
			Command:             "claude --print --dangerously-skip-permissions -p {prompt}",
			ReviewerCommand:     "claude --print --dangerously-skip-permissions -p {prompt}",
			MaxIterations:       3,
			TestOutputTailLines: 200,
			CommandTimeout:      duration(30 * time.Minute),
		},
		Merge: MergeConfig{
			LockTTL:      duration(10 * time.Minute),
			WaitTimeout:  duration(5 * time.Minute),
			PollInterval: duration(2 * time.Second),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Janitor: JanitorConfig{
			Schedule:          "@every 5m",
			ArtifactKeep:      100,
			WorktreeKeepHours: 72,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.ArtifactDir = ExpandPath(cfg.General.ArtifactDir)
	cfg.General.QueueDir = ExpandPath(cfg.General.QueueDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Project.RepoDir = ExpandPath(cfg.Project.RepoDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "run-orchestrator", "config.toml")
}
