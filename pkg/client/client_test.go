package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zuz/zpm/internal/control"
	"github.com/zuz/zpm/internal/supervisor"
	"github.com/zuz/zpm/internal/worker"
)

func testNamespace(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, name)
	return fmt.Sprintf("zpm-client-%d-%s", os.Getpid(), name)
}

func startDaemon(t *testing.T) (*Client, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(supervisor.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Echo:   io.Discard,
	})
	t.Cleanup(sup.Shutdown)

	srv := control.NewServer(sup, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ns := testNamespace(t)
	if err := srv.Listen(ns); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })

	return New(ns).WithTimeout(5 * time.Second), sup
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClientPing(t *testing.T) {
	c, _ := startDaemon(t)
	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClientNoDaemon(t *testing.T) {
	c := New(testNamespace(t)).WithTimeout(500 * time.Millisecond)
	err := c.Ping()
	if err == nil || !strings.Contains(err.Error(), "daemon not reachable") {
		t.Fatalf("err = %v", err)
	}
}

func TestClientLifecycle(t *testing.T) {
	c, _ := startDaemon(t)
	script := writeScript(t, "sleep 30")

	msg, err := c.Start(worker.Config{Name: "web", ScriptPath: script})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(msg, "web") {
		t.Fatalf("start msg = %q", msg)
	}

	names, err := c.List()
	if err != nil || len(names) != 1 || names[0] != "web" {
		t.Fatalf("list = %v (%v)", names, err)
	}

	stats, err := c.Stats("web")
	if err != nil || len(stats) != 1 {
		t.Fatalf("stats = %v (%v)", stats, err)
	}
	if stats[0].Status != "running" || stats[0].PID <= 0 {
		t.Fatalf("stats[0] = %+v", stats[0])
	}

	recs, err := c.StoreRecords()
	if err != nil || len(recs) != 1 || recs[0].Name != "web" {
		t.Fatalf("store records = %+v (%v)", recs, err)
	}

	if _, err := c.Restart("web"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := c.Stop("web"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := c.StartByName("web"); err != nil {
		t.Fatalf("start by name: %v", err)
	}
	if _, err := c.Stop("web"); err != nil {
		t.Fatalf("stop again: %v", err)
	}
	if _, err := c.Delete("web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Stop("web"); err == nil {
		t.Fatal("stop after delete should fail")
	}
}

func TestClientErrorsSurfaceDaemonMessage(t *testing.T) {
	c, _ := startDaemon(t)
	_, err := c.StartByName("ghost")
	if err == nil || !strings.Contains(err.Error(), "unknown worker") {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.Stats("ghost"); err == nil {
		t.Fatal("stats for unknown worker should fail")
	}
}

func TestClientStatsAll(t *testing.T) {
	c, _ := startDaemon(t)
	script := writeScript(t, "sleep 30")
	for _, name := range []string{"web", "api"} {
		if _, err := c.Start(worker.Config{Name: name, ScriptPath: script}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	stats, err := c.Stats("")
	if err != nil || len(stats) != 2 {
		t.Fatalf("stats = %v (%v)", stats, err)
	}
	// registration order carries through the wire
	if stats[0].Name != "web" || stats[1].Name != "api" {
		t.Fatalf("order = %s, %s", stats[0].Name, stats[1].Name)
	}
}

func TestClientStreamLogs(t *testing.T) {
	c, sup := startDaemon(t)
	script := writeScript(t, "while true; do echo tick; sleep 0.2; done")
	if err := sup.Start(worker.Config{Name: "ticker", ScriptPath: script}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var chunks []string
	done := make(chan error, 1)
	go func() {
		done <- c.StreamLogs(ctx, "ticker", func(chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		var got bool
		for _, ch := range chunks {
			if strings.Contains(ch, "tick") {
				got = true
			}
		}
		mu.Unlock()
		if got {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no log chunk within deadline")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// cancel detaches the stream and StreamLogs returns nil
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream after cancel: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not return after cancel")
	}

	st, err := sup.GetStats("ticker")
	if err != nil || st.Status != "running" {
		t.Fatalf("worker after stream detach: %+v, %v", st, err)
	}
}

func TestClientStreamLogsUnknownWorker(t *testing.T) {
	c, _ := startDaemon(t)
	err := c.StreamLogs(context.Background(), "ghost", func(string) {})
	if err == nil || !strings.Contains(err.Error(), "unknown worker") {
		t.Fatalf("err = %v", err)
	}
}
