package supervisor

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zuz/zpm/internal/worker"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, snapshotPath string) *Supervisor {
	t.Helper()
	s := New(Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Echo:         io.Discard,
		SnapshotPath: snapshotPath,
	})
	t.Cleanup(s.Shutdown)
	return s
}

func TestSupervisorStartListStop(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")

	s := newTestSupervisor(t, "")
	for _, name := range []string{"web", "api"} {
		if err := s.Start(worker.Config{Name: name, ScriptPath: script}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("list = %d entries, want 2", len(list))
	}
	if list[0].Name != "web" || list[1].Name != "api" {
		t.Fatalf("list not in registration order: %s, %s", list[0].Name, list[1].Name)
	}
	if names := s.Names(); len(names) != 2 || names[0] != "web" || names[1] != "api" {
		t.Fatalf("names = %v", names)
	}
	for _, st := range list {
		if st.Status != "running" || st.PID <= 0 {
			t.Fatalf("worker %s not running: %+v", st.Name, st)
		}
	}

	if err := s.Stop("web"); err != nil {
		t.Fatalf("stop web: %v", err)
	}
	st, err := s.GetStats("web")
	if err != nil {
		t.Fatalf("stats web: %v", err)
	}
	if st.Status != "stopped" {
		t.Fatalf("web status = %q, want stopped", st.Status)
	}
	if st, _ := s.GetStats("api"); st.Status != "running" {
		t.Fatalf("stopping one worker affected another: %+v", st)
	}
}

func TestSupervisorUnknownWorker(t *testing.T) {
	s := newTestSupervisor(t, "")
	for _, op := range []func() error{
		func() error { return s.Stop("ghost") },
		func() error { return s.Restart("ghost") },
		func() error { return s.Delete("ghost") },
		func() error { return s.StartByName("ghost") },
		func() error { _, err := s.GetStats("ghost"); return err },
	} {
		if err := op(); err == nil || !strings.Contains(err.Error(), "unknown worker") {
			t.Fatalf("err = %v, want unknown-worker", err)
		}
	}
}

func TestSupervisorInvalidConfig(t *testing.T) {
	s := newTestSupervisor(t, "")
	if err := s.Start(worker.Config{Name: "", ScriptPath: "/x"}); err == nil {
		t.Fatal("empty name should be rejected")
	}
	if len(s.List()) != 0 {
		t.Fatal("rejected config must not register")
	}
}

func TestSupervisorStartExistingReusesConfig(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")

	s := newTestSupervisor(t, "")
	if err := s.Start(worker.Config{Name: "web", ScriptPath: script}); err != nil {
		t.Fatalf("start: %v", err)
	}
	// a second start on a running name surfaces the worker's rejection
	err := s.Start(worker.Config{Name: "web", ScriptPath: script})
	if err == nil || !strings.Contains(err.Error(), "already active") {
		t.Fatalf("err = %v, want already-active", err)
	}
	if len(s.List()) != 1 {
		t.Fatal("duplicate start must not register twice")
	}
}

func TestSupervisorDelete(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")

	s := newTestSupervisor(t, "")
	if err := s.Start(worker.Config{Name: "web", ScriptPath: script}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Delete("web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("deleted worker still listed")
	}
	if _, ok := s.Store().Get("web"); ok {
		t.Fatal("deleted worker still in the process store")
	}
	if err := s.Delete("web"); err == nil {
		t.Fatal("second delete should report unknown worker")
	}
}

func TestSupervisorStopAll(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")

	s := newTestSupervisor(t, "")
	for _, name := range []string{"a", "b", "c"} {
		if err := s.Start(worker.Config{Name: name, ScriptPath: script}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	s.StopAll()
	for _, st := range s.List() {
		if st.Status != "stopped" {
			t.Fatalf("worker %s = %q after StopAll", st.Name, st.Status)
		}
	}
}

func TestSupervisorSnapshotPersistAndRestore(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")
	snapPath := filepath.Join(dir, "state", "snapshot.json")

	s := newTestSupervisor(t, snapPath)
	if err := s.Start(worker.Config{Name: "web", ScriptPath: script, Port: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(worker.Config{Name: "api", ScriptPath: script}); err != nil {
		t.Fatalf("start: %v", err)
	}

	data, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	var cfgs []worker.Config
	if err := json.Unmarshal(data, &cfgs); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if len(cfgs) != 2 || cfgs[0].Name != "api" || cfgs[1].Name != "web" {
		t.Fatalf("snapshot contents = %+v", cfgs)
	}

	s.Shutdown()

	// a fresh supervisor restores and starts the same set
	s2 := newTestSupervisor(t, snapPath)
	if err := s2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	list := s2.List()
	if len(list) != 2 {
		t.Fatalf("restored %d workers, want 2", len(list))
	}
	for _, st := range list {
		if st.Status != "running" {
			t.Fatalf("restored worker %s = %q, want running", st.Name, st.Status)
		}
	}
}

func TestSupervisorRestoreSkipsBrokenWorker(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")
	snapPath := filepath.Join(dir, "snapshot.json")

	cfgs := []worker.Config{
		{Name: "good", ScriptPath: script},
		{Name: "", ScriptPath: script}, // fails validation
	}
	data, _ := json.Marshal(cfgs)
	if err := os.WriteFile(snapPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestSupervisor(t, snapPath)
	if err := s.Restore(); err != nil {
		t.Fatalf("restore should not fail on per-worker errors: %v", err)
	}
	list := s.List()
	if len(list) != 1 || list[0].Name != "good" {
		t.Fatalf("restored set = %+v, want only the valid worker", list)
	}
}

func TestSupervisorDeleteUpdatesSnapshot(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")
	snapPath := filepath.Join(dir, "snapshot.json")

	s := newTestSupervisor(t, snapPath)
	if err := s.Start(worker.Config{Name: "web", ScriptPath: script}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Delete("web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	data, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("snapshot missing after delete: %v", err)
	}
	var cfgs []worker.Config
	if err := json.Unmarshal(data, &cfgs); err != nil {
		t.Fatal(err)
	}
	if len(cfgs) != 0 {
		t.Fatalf("snapshot after delete = %+v, want empty", cfgs)
	}
}

func TestSupervisorGetStatsUsage(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "app.sh", "sleep 30")

	s := newTestSupervisor(t, "")
	if err := s.Start(worker.Config{Name: "web", ScriptPath: script}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	st, err := s.GetStats("web")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.PID <= 0 {
		t.Fatalf("stats pid = %d", st.PID)
	}
	if st.MemoryMB == nil {
		t.Fatal("running worker should carry a memory sample")
	}
	if *st.MemoryMB <= 0 {
		t.Fatalf("memory sample = %v, want positive", *st.MemoryMB)
	}
}
