package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func register(t *testing.T) {
	t.Helper()
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRegisterIdempotent(t *testing.T) {
	register(t)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestCountersAndGauges(t *testing.T) {
	register(t)
	IncStart("mtest-web")
	IncRestart("mtest-web")
	IncStop("mtest-web")
	RecordStateTransition("mtest-web", "starting", "running")
	SetCurrentState("mtest-web", "running", true)
	SetRunningChildren("mtest-web", 3)
	setUsage("mtest-web", 12.5, 42.0)

	body := scrape(t)
	for _, want := range []string{
		`zpm_worker_starts_total{name="mtest-web"} 1`,
		`zpm_worker_restarts_total{name="mtest-web"} 1`,
		`zpm_worker_stops_total{name="mtest-web"} 1`,
		`zpm_worker_state_transitions_total{from="starting",name="mtest-web",to="running"} 1`,
		`zpm_worker_current_state{name="mtest-web",state="running"} 1`,
		`zpm_worker_running_children{name="mtest-web"} 3`,
		`zpm_worker_cpu_percent{name="mtest-web"} 12.5`,
		`zpm_worker_memory_mb{name="mtest-web"} 42`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}

func TestHelpersNoOpBeforeRegister(t *testing.T) {
	// regOK may already be set by other tests in the package; only check
	// that the helpers never panic on unknown names.
	IncStart("mtest-noop")
	SetRunningChildren("mtest-noop", 1)
	DropWorker("mtest-noop")
}

func TestDropWorkerRemovesSeries(t *testing.T) {
	register(t)
	IncStart("mtest-gone")
	SetCurrentState("mtest-gone", "running", true)
	RecordStateTransition("mtest-gone", "starting", "running")
	DropWorker("mtest-gone")
	if body := scrape(t); strings.Contains(body, "mtest-gone") {
		t.Fatal("series survived DropWorker")
	}
}

func TestSampleUsageSelf(t *testing.T) {
	u, err := SampleUsage(os.Getpid())
	if err != nil {
		t.Fatalf("sample self: %v", err)
	}
	if u.PID != os.Getpid() || u.MemoryMB <= 0 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestSampleUsageDeadPID(t *testing.T) {
	if _, err := SampleUsage(1 << 22); err == nil {
		t.Fatal("dead pid should fail")
	}
}

func TestSamplerFeedsGauges(t *testing.T) {
	register(t)
	pids := func() map[string]int { return map[string]int{"mtest-sampler": os.Getpid()} }
	s := NewSampler(50*time.Millisecond, pids, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(scrape(t), `zpm_worker_memory_mb{name="mtest-sampler"}`) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("sampler never fed gauges")
}
