package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/zuz/zpm/internal/control"
	"github.com/zuz/zpm/internal/logger"
	"github.com/zuz/zpm/internal/supervisor"
	"github.com/zuz/zpm/internal/worker"
)

// FileConfig is the top-level TOML structure understood by `zpm daemon -c`.
//
//	env = ["KEY=value"]
//	env_files = [".env"]
//	use_os_env = true
//
//	[server]
//	namespace = "zuz-pm"
//	listen = ":8420"
//	metrics_listen = ":9420"
//	snapshot_path = "/var/lib/zpm/snapshot.json"
//
//	[log]
//	dir = "/var/log/zpm"
//
//	[history]
//	dsn = "sqlite:///var/lib/zpm/history.db"
//
//	[[workers]]
//	name = "web"
//	script_path = "./server.js"
type FileConfig struct {
	Env      []string           `toml:"env" mapstructure:"env"`
	EnvFiles []string           `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool               `toml:"use_os_env" mapstructure:"use_os_env"`
	Server   ServerConfig       `toml:"server" mapstructure:"server"`
	Log      *logger.FileConfig `toml:"log" mapstructure:"log"`
	History  HistoryConfig      `toml:"history" mapstructure:"history"`
	Workers  []worker.Config    `toml:"workers" mapstructure:"workers"`
}

// ServerConfig selects the daemon's surfaces. Listen and MetricsListen
// are off when empty; the control socket is always on.
type ServerConfig struct {
	Namespace     string `toml:"namespace" mapstructure:"namespace"`
	Listen        string `toml:"listen" mapstructure:"listen"`
	MetricsListen string `toml:"metrics_listen" mapstructure:"metrics_listen"`
	SnapshotPath  string `toml:"snapshot_path" mapstructure:"snapshot_path"`
}

// HistoryConfig points lifecycle event records at a sink. The scheme of
// the DSN picks the backend (sqlite, postgres, clickhouse).
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fc.Workers))
	for i, wc := range fc.Workers {
		if err := wc.Validate(); err != nil {
			return nil, fmt.Errorf("workers[%d]: %w", i, err)
		}
		if seen[wc.Name] {
			return nil, fmt.Errorf("duplicate worker name %q", wc.Name)
		}
		seen[wc.Name] = true
	}
	if fc.Server.Namespace == "" {
		fc.Server.Namespace = control.DefaultNamespace
	}
	if fc.Server.SnapshotPath == "" {
		fc.Server.SnapshotPath = supervisor.DefaultSnapshotPath()
	}
	return &fc, nil
}

// WorkerConfigs returns the worker blocks with the top-level log defaults
// folded into workers that do not carry their own sink.
func (fc *FileConfig) WorkerConfigs() []worker.Config {
	out := make([]worker.Config, len(fc.Workers))
	copy(out, fc.Workers)
	if fc.Log == nil {
		return out
	}
	for i := range out {
		if !out[i].LogSink.Enabled() {
			out[i].LogSink = logger.Config{File: *fc.Log}
		}
	}
	return out
}

// GlobalEnv merges the daemon environment from the config.
// Precedence: OS env (when use_os_env) as base, then env_files in order,
// then the top-level env list last.
func (fc *FileConfig) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
