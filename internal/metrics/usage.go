package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time CPU/memory sample for one child process.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	MemoryRSS  uint64  `json:"memory_rss"`
}

// SampleUsage queries CPU and resident memory for pid. A dead or
// inaccessible PID is an error; callers surface the fields as null rather
// than failing the stats request.
func SampleUsage(pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("usage: invalid pid %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("usage: pid %d: %w", pid, err)
	}
	u := Usage{PID: pid}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("usage: memory info for pid %d: %w", pid, err)
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	return u, nil
}

// DefaultSampleInterval paces the background usage sampler.
const DefaultSampleInterval = 5 * time.Second

// Sampler periodically feeds the cpu_percent/memory_mb gauges from a
// pid-lookup callback (worker name -> first child PID).
type Sampler struct {
	interval time.Duration
	pids     func() map[string]int
	logger   *slog.Logger
}

func NewSampler(interval time.Duration, pids func() map[string]int, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{interval: interval, pids: pids, logger: logger}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, pid := range s.pids() {
				u, err := SampleUsage(pid)
				if err != nil {
					s.logger.Debug("usage sample failed", "worker", name, "pid", pid, "error", err)
					continue
				}
				setUsage(name, u.CPUPercent, u.MemoryMB)
			}
		}
	}
}
