package zpm

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	cfg "github.com/zuz/zpm/internal/config"
	"github.com/zuz/zpm/internal/history"
	"github.com/zuz/zpm/internal/history/factory"
	"github.com/zuz/zpm/internal/httpapi"
	"github.com/zuz/zpm/internal/metrics"
	"github.com/zuz/zpm/internal/supervisor"
	"github.com/zuz/zpm/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = worker.Config

type Stats = worker.Stats

type HistorySink = history.Sink

// Supervisor is a thin facade over the internal supervisor for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// Options mirrors the embeddable knobs; zero values use defaults and an
// empty SnapshotPath disables persistence.
type Options = supervisor.Options

func New() *Supervisor {
	return &Supervisor{inner: supervisor.New(supervisor.Options{})}
}

func NewWithOptions(opts Options) *Supervisor {
	return &Supervisor{inner: supervisor.New(opts)}
}

func (s *Supervisor) Start(c Config) error            { return s.inner.Start(c) }
func (s *Supervisor) StartByName(name string) error   { return s.inner.StartByName(name) }
func (s *Supervisor) Stop(name string) error          { return s.inner.Stop(name) }
func (s *Supervisor) Restart(name string) error       { return s.inner.Restart(name) }
func (s *Supervisor) Delete(name string) error        { return s.inner.Delete(name) }
func (s *Supervisor) Stats(name string) (Stats, error) { return s.inner.GetStats(name) }
func (s *Supervisor) List() []Stats                   { return s.inner.List() }
func (s *Supervisor) Names() []string                 { return s.inner.Names() }
func (s *Supervisor) StopAll()                        { s.inner.StopAll() }
func (s *Supervisor) Shutdown()                       { s.inner.Shutdown() }
func (s *Supervisor) Restore() error                  { return s.inner.Restore() }

// SubscribeLogs attaches fn to one worker's output; the returned cancel
// detaches it.
func (s *Supervisor) SubscribeLogs(name string, fn func([]byte)) (func(), error) {
	return s.inner.SubscribeLogs(name, fn)
}

// LoadConfig parses a TOML configuration file.
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// NewHistorySink builds a lifecycle event sink from a DSN
// (sqlite, postgres, clickhouse).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer serves the management API on addr using the supervisor.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return httpapi.NewServer(addr, basePath, s.inner)
}

// HTTPHandler returns the management API as a mountable handler.
func HTTPHandler(basePath string, s *Supervisor) http.Handler {
	return httpapi.NewRouter(s.inner, basePath).Handler()
}

// Metrics helpers.

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// StartUsageSampler feeds cpu/memory gauges from the supervisor's live
// PIDs until ctx is done.
func (s *Supervisor) StartUsageSampler(ctx context.Context, interval time.Duration) {
	sampler := metrics.NewSampler(interval, s.inner.PIDs, nil)
	go sampler.Run(ctx)
}

// ServeMetrics serves /metrics on addr in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
