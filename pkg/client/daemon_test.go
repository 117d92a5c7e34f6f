package client

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/zuz/zpm/internal/control"
)

func TestKillDaemonNoPIDFile(t *testing.T) {
	c := New(testNamespace(t))
	err := c.KillDaemon()
	if err == nil || !strings.Contains(err.Error(), "no pid file") {
		t.Fatalf("err = %v", err)
	}
}

func TestKillDaemonMalformedPIDFile(t *testing.T) {
	c := New(testNamespace(t))
	path := control.PIDFilePath(c.namespace)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := c.KillDaemon()
	if err == nil || !strings.Contains(err.Error(), "malformed pid file") {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("malformed pid file should be removed")
	}
}

func TestKillDaemonSignalsProcess(t *testing.T) {
	c := New(testNamespace(t))
	path := control.PIDFilePath(c.namespace)

	// a child that waits for the signal
	pid, err := spawnSleeper(t)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := c.KillDaemon(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file should be removed")
	}
}

func TestKillDaemonStalePID(t *testing.T) {
	c := New(testNamespace(t))
	path := control.PIDFilePath(c.namespace)

	// a pid that is certainly dead by the time we signal it
	pid, err := spawnExited(t)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", pid)), 0o600); err != nil {
		t.Fatal(err)
	}

	// ESRCH is tolerated; the stale file still gets cleaned up
	if err := c.KillDaemon(); err != nil {
		t.Fatalf("kill stale: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("stale pid file should be removed")
	}
}

func spawnSleeper(t *testing.T) (int, error) {
	t.Helper()
	attr := &os.ProcAttr{Files: []*os.File{nil, nil, nil}}
	proc, err := os.StartProcess("/bin/sh", []string{"sh", "-c", "sleep 30"}, attr)
	if err != nil {
		return 0, err
	}
	t.Cleanup(func() {
		_ = proc.Signal(syscall.SIGKILL)
		_, _ = proc.Wait()
	})
	return proc.Pid, nil
}

func spawnExited(t *testing.T) (int, error) {
	t.Helper()
	attr := &os.ProcAttr{Files: []*os.File{nil, nil, nil}}
	proc, err := os.StartProcess("/bin/sh", []string{"sh", "-c", "exit 0"}, attr)
	if err != nil {
		return 0, err
	}
	if _, err := proc.Wait(); err != nil {
		return 0, err
	}
	return proc.Pid, nil
}
