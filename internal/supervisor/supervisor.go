package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zuz/zpm/internal/env"
	"github.com/zuz/zpm/internal/history"
	"github.com/zuz/zpm/internal/metrics"
	"github.com/zuz/zpm/internal/procstore"
	"github.com/zuz/zpm/internal/worker"
)

// Supervisor is the name-keyed registry of workers. Each worker serializes
// its own lifecycle through its mailbox; the registry lock only guards the
// map, so operations on different names proceed independently.
type Supervisor struct {
	mu      sync.RWMutex
	workers map[string]*worker.Worker
	order   []string // registration order, drives list output

	logger *slog.Logger
	envset *env.Env
	store  *procstore.Store
	sinks  []history.Sink
	echo   io.Writer

	snap *snapshotFile
}

// Options configures a Supervisor. Zero values fall back to sane defaults;
// an empty SnapshotPath disables persistence.
type Options struct {
	Logger       *slog.Logger
	Env          *env.Env
	Store        *procstore.Store
	History      []history.Sink
	Echo         io.Writer
	SnapshotPath string
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = env.New()
		opts.Env.FromOS()
	}
	if opts.Store == nil {
		opts.Store = procstore.New()
	}
	s := &Supervisor{
		workers: make(map[string]*worker.Worker),
		logger:  opts.Logger,
		envset:  opts.Env,
		store:   opts.Store,
		sinks:   opts.History,
		echo:    opts.Echo,
	}
	if opts.SnapshotPath != "" {
		s.snap = newSnapshotFile(opts.SnapshotPath)
	}
	return s
}

// Store exposes the shared process store for control-plane reads.
func (s *Supervisor) Store() *procstore.Store { return s.store }

func (s *Supervisor) deps() worker.Deps {
	return worker.Deps{
		Logger:  s.logger,
		Env:     s.envset,
		Store:   s.store,
		History: s.sinks,
		Echo:    s.echo,
	}
}

// Start registers the worker if it is new and starts it. A start on an
// already registered name reuses the stored configuration.
func (s *Supervisor) Start(cfg worker.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	w, ok := s.workers[cfg.Name]
	if !ok {
		w = worker.New(cfg, s.deps())
		s.workers[cfg.Name] = w
		s.order = append(s.order, cfg.Name)
	}
	s.mu.Unlock()
	if !ok {
		s.persist()
	}
	return w.Start()
}

// StartByName starts an already registered worker.
func (s *Supervisor) StartByName(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	return w.Start()
}

func (s *Supervisor) Stop(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	return w.Stop()
}

func (s *Supervisor) Restart(name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	return w.Restart()
}

// Delete stops the worker, tears down its mailbox, and removes every trace
// of it from the registry, the store, and the metric label space.
func (s *Supervisor) Delete(name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	_ = w.Stop()
	_ = w.Shutdown()
	s.store.Delete(name)
	metrics.DropWorker(name)
	s.persist()
	return nil
}

// GetStats returns the stats record for one worker, enriched with a live
// cpu/memory sample when the worker has a pid.
func (s *Supervisor) GetStats(name string) (worker.Stats, error) {
	w, err := s.get(name)
	if err != nil {
		return worker.Stats{}, err
	}
	st := w.Stats()
	fillUsage(&st)
	return st, nil
}

// Names returns the registered worker names in registration order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// List returns stats for every registered worker in registration order.
func (s *Supervisor) List() []worker.Stats {
	s.mu.RLock()
	ws := make([]*worker.Worker, 0, len(s.order))
	for _, name := range s.order {
		ws = append(ws, s.workers[name])
	}
	s.mu.RUnlock()

	out := make([]worker.Stats, 0, len(ws))
	for _, w := range ws {
		st := w.Stats()
		fillUsage(&st)
		out = append(out, st)
	}
	return out
}

// StopAll stops every worker concurrently and waits for all of them.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ws := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Stop(); err != nil {
				s.logger.Warn("stop failed", "worker", w.Name(), "error", err)
			}
		}(w)
	}
	wg.Wait()
}

// Shutdown stops all workers, terminates their mailboxes, and closes the
// history sinks. The supervisor is unusable afterwards.
func (s *Supervisor) Shutdown() {
	s.StopAll()
	s.mu.Lock()
	ws := s.workers
	s.workers = make(map[string]*worker.Worker)
	s.order = nil
	s.mu.Unlock()
	for _, w := range ws {
		_ = w.Shutdown()
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Debug("history sink close failed", "error", err)
		}
	}
}

// SubscribeLogs attaches fn to the named worker's output stream.
func (s *Supervisor) SubscribeLogs(name string, fn func([]byte)) (func(), error) {
	w, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return w.SubscribeLogs(fn), nil
}

// PIDs returns the live primary pid per worker, feeding the usage sampler.
func (s *Supervisor) PIDs() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.workers))
	for name, w := range s.workers {
		if snap := w.Status(); snap.PID > 0 {
			out[name] = snap.PID
		}
	}
	return out
}

func (s *Supervisor) get(name string) (*worker.Worker, error) {
	s.mu.RLock()
	w, ok := s.workers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	return w, nil
}

func fillUsage(st *worker.Stats) {
	if st.PID <= 0 {
		return
	}
	u, err := metrics.SampleUsage(st.PID)
	if err != nil {
		return
	}
	cpu := u.CPUPercent
	mem := u.MemoryMB
	st.CPUPercent = &cpu
	st.MemoryMB = &mem
}
