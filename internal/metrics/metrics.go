package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register. Helpers
// below no-op until registration so the embeddable API carries no metrics
// cost unless asked for.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restarts (crash backoff, probe, reload, operator).",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	runningChildren = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "running_children",
			Help:      "Current live child processes per worker.",
		}, []string{"name"},
	)
	childCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the worker's first child.",
		}, []string{"name"},
	)
	childMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zpm",
			Subsystem: "worker",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of the worker's first child.",
		}, []string{"name"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// already-registered collectors are kept.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerStops,
		stateTransitions, currentState, runningChildren,
		childCPUPercent, childMemoryMB,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1.0
		}
		currentState.WithLabelValues(name, state).Set(v)
	}
}

func SetRunningChildren(name string, n int) {
	if regOK.Load() {
		runningChildren.WithLabelValues(name).Set(float64(n))
	}
}

func setUsage(name string, cpu, memMB float64) {
	if regOK.Load() {
		childCPUPercent.WithLabelValues(name).Set(cpu)
		childMemoryMB.WithLabelValues(name).Set(memMB)
	}
}

// DropWorker removes all per-worker series after delete.
func DropWorker(name string) {
	if !regOK.Load() {
		return
	}
	workerStarts.DeleteLabelValues(name)
	workerRestarts.DeleteLabelValues(name)
	workerStops.DeleteLabelValues(name)
	runningChildren.DeleteLabelValues(name)
	childCPUPercent.DeleteLabelValues(name)
	childMemoryMB.DeleteLabelValues(name)
	currentState.DeletePartialMatch(prometheus.Labels{"name": name})
	stateTransitions.DeletePartialMatch(prometheus.Labels{"name": name})
}
