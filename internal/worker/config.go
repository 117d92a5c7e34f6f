package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/zuz/zpm/internal/env"
	"github.com/zuz/zpm/internal/logger"
	"github.com/zuz/zpm/internal/probe"
)

// Mode selects how children are spawned.
type Mode string

const (
	ModeFork    Mode = "fork"    // single child
	ModeCluster Mode = "cluster" // N sibling children sharing a port
)

// Timing defaults, in milliseconds where the configuration carries them.
const (
	DefaultKillTimeoutMs = 5000
	DefaultMaxBackoffMs  = 16000
	InitialBackoff       = 1000 * time.Millisecond
	StabilityWindow      = 5000 * time.Millisecond
	FastFailWindow       = 1500 * time.Millisecond
	StopForceBound       = 10 * time.Second
	PortSettleDelay      = 800 * time.Millisecond
)

// Config describes one worker. Immutable after registration.
type Config struct {
	Name          string        `json:"name" mapstructure:"name"`
	ScriptPath    string        `json:"script_path" mapstructure:"script_path"`
	Args          []string      `json:"args,omitempty" mapstructure:"args"`
	Env           env.Table     `json:"env,omitempty" mapstructure:"env"`
	Mode          Mode          `json:"mode,omitempty" mapstructure:"mode"`
	Instances     int           `json:"instances,omitempty" mapstructure:"instances"`
	Port          int           `json:"port,omitempty" mapstructure:"port"`
	DevMode       bool          `json:"dev_mode,omitempty" mapstructure:"dev_mode"`
	KillTimeoutMs int           `json:"kill_timeout_ms,omitempty" mapstructure:"kill_timeout_ms"`
	MaxBackoffMs  int           `json:"max_backoff_ms,omitempty" mapstructure:"max_backoff_ms"`
	Probe         *probe.Config `json:"probe,omitempty" mapstructure:"probe"`
	ReloadCommand string        `json:"reload_command,omitempty" mapstructure:"reload_command"`
	LogSink       logger.Config `json:"log_sink,omitempty" mapstructure:"log_sink"`
}

// Validate checks the fields a registration must carry.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("worker: empty name")
	}
	if strings.TrimSpace(c.ScriptPath) == "" {
		return fmt.Errorf("worker %q: empty script path", c.Name)
	}
	if c.Instances < 0 {
		return fmt.Errorf("worker %q: negative instances", c.Name)
	}
	if c.Probe != nil {
		if _, err := probe.New(*c.Probe); err != nil {
			return fmt.Errorf("worker %q: %w", c.Name, err)
		}
	}
	return nil
}

// InstanceCount resolves the effective child count: fork forces one,
// cluster defaults to the CPU count.
func (c Config) InstanceCount() int {
	if c.Mode != ModeCluster {
		return 1
	}
	if c.Instances > 0 {
		return c.Instances
	}
	return runtime.NumCPU()
}

func (c Config) KillTimeout() time.Duration {
	if c.KillTimeoutMs <= 0 {
		return DefaultKillTimeoutMs * time.Millisecond
	}
	return time.Duration(c.KillTimeoutMs) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	if c.MaxBackoffMs <= 0 {
		return DefaultMaxBackoffMs * time.Millisecond
	}
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// interpreterFor maps recognized script extensions to their interpreter.
// Unrecognized extensions run the script directly as an executable.
func interpreterFor(scriptPath string) (string, bool) {
	switch strings.ToLower(filepath.Ext(scriptPath)) {
	case ".js", ".mjs", ".cjs":
		return "node", true
	case ".py":
		return "python3", true
	case ".sh":
		return "/bin/sh", true
	default:
		return "", false
	}
}

// projectManifests mark a repository root when discovered walking upward.
var projectManifests = []string{"package.json", "go.mod", ".git"}

// ProjectRoot walks upward from the script's directory until a project
// manifest is found. Falls back to the daemon's working directory.
func ProjectRoot(scriptPath string) string {
	dir := filepath.Dir(scriptPath)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	for d := dir; ; {
		for _, m := range projectManifests {
			if _, err := os.Stat(filepath.Join(d, m)); err == nil {
				return d
			}
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return dir
}

// ToolBinDir is the project-local executable directory prepended to PATH.
func ToolBinDir(projectRoot string) string {
	return filepath.Join(projectRoot, "node_modules", ".bin")
}

// buildChildCommand constructs the exec.Cmd for one child slot.
// Interpreted scripts run under their interpreter with the script as the
// first argument; everything else executes directly.
func (c Config) buildChildCommand() *exec.Cmd {
	if interp, ok := interpreterFor(c.ScriptPath); ok {
		args := append([]string{c.ScriptPath}, c.Args...)
		// #nosec G204
		return exec.Command(interp, args...)
	}
	// #nosec G204
	return exec.Command(c.ScriptPath, c.Args...)
}

// DeploymentMode is the NODE_ENV-style value derived from DevMode.
func (c Config) DeploymentMode() string {
	if c.DevMode {
		return "development"
	}
	return "production"
}
