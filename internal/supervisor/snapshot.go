package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zuz/zpm/internal/worker"
)

// snapshotFile persists the registered configurations, not runtime state.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a torn snapshot.
type snapshotFile struct {
	mu   sync.Mutex
	path string
}

func newSnapshotFile(path string) *snapshotFile {
	return &snapshotFile{path: path}
}

func (f *snapshotFile) save(cfgs []worker.Config) error {
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	data, err := json.MarshalIndent(cfgs, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *snapshotFile) load() ([]worker.Config, error) {
	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfgs []worker.Config
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", f.path, err)
	}
	return cfgs, nil
}

// DefaultSnapshotPath is ~/.zpm/snapshot.json, falling back to the
// current directory when the home directory cannot be resolved.
func DefaultSnapshotPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".zpm", "snapshot.json")
	}
	return filepath.Join(home, ".zpm", "snapshot.json")
}

// persist writes the current registry configuration set to disk.
func (s *Supervisor) persist() {
	if s.snap == nil {
		return
	}
	s.mu.RLock()
	cfgs := make([]worker.Config, 0, len(s.workers))
	for _, w := range s.workers {
		cfgs = append(cfgs, w.Config())
	}
	s.mu.RUnlock()
	if err := s.snap.save(cfgs); err != nil {
		s.logger.Warn("snapshot write failed", "path", s.snap.path, "error", err)
	}
}

// Restore re-registers and starts every worker from the last snapshot.
// A worker that fails to start is logged and skipped, never fatal.
func (s *Supervisor) Restore() error {
	if s.snap == nil {
		return nil
	}
	cfgs, err := s.snap.load()
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if err := s.Start(cfg); err != nil {
			s.logger.Warn("snapshot restore skipped worker", "worker", cfg.Name, "error", err)
		}
	}
	if len(cfgs) > 0 {
		s.logger.Info("snapshot restored", "workers", len(cfgs))
	}
	return nil
}
