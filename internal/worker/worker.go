package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zuz/zpm/internal/env"
	"github.com/zuz/zpm/internal/history"
	"github.com/zuz/zpm/internal/metrics"
	"github.com/zuz/zpm/internal/probe"
	"github.com/zuz/zpm/internal/procstore"
)

type ctrlAction int

const (
	actionStart ctrlAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type ctrlMsg struct {
	action ctrlAction
	reply  chan error
}

// Deps carries the shared collaborators a worker reports into.
type Deps struct {
	Logger  *slog.Logger
	Env     *env.Env
	Store   *procstore.Store
	History []history.Sink
	Echo    io.Writer // dev-mode echo target, defaults to os.Stdout
}

// Snapshot is the read model exposed by Status(); a copy, never shared.
type Snapshot struct {
	Name         string
	State        State
	PID          int
	Children     int
	StartedAt    time.Time
	RestartCount int
	LastError    string
}

// Stats is the operator-facing stats record.
type Stats struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	PID          int      `json:"pid"`
	UptimeMs     int64    `json:"uptime_ms"`
	RestartCount int      `json:"restart_count"`
	CPUPercent   *float64 `json:"cpu_percent"`
	MemoryMB     *float64 `json:"memory_mb"`
	Mode         Mode     `json:"mode"`
	Instances    int      `json:"instances"`
	Children     int      `json:"children"`
	LastError    string   `json:"last_error,omitempty"`
}

// Worker owns one logical application: it spawns N children, runs the
// lifecycle state machine, and drives backoff, probe, and file-watch.
// All state below the mailbox is owned by the run goroutine; commands,
// child exits, timer fires, probe results, and watch triggers are
// serialized through it.
type Worker struct {
	cfg         Config
	projectRoot string
	logger      *slog.Logger
	envset      *env.Env
	store       *procstore.Store
	sinks       []history.Sink
	echo        io.Writer

	cmdChan      chan ctrlMsg
	exits        chan childExit
	probeResults chan bool
	reloadDone   chan error
	doneChan     chan struct{}

	// run-loop-owned state
	state          State
	children       map[int]*child
	startTime      time.Time
	restartCount   int
	backoff        time.Duration
	restartTimer   *time.Timer
	stabilityTimer *time.Timer
	probeTicker    *time.Ticker
	probeFailures  int
	probeInFlight  bool
	prober         probe.Prober
	isRestarting   bool
	isBuilding     bool
	lastError      string
	watch          *watcher

	viewMu sync.RWMutex
	view   Snapshot

	logSubMu  sync.Mutex
	logSubs   map[int]func([]byte)
	nextLogID int
}

// New builds the worker and launches its mailbox goroutine. The worker
// starts in Stopped; call Start to spawn children.
func New(cfg Config, deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Env == nil {
		deps.Env = env.New()
	}
	if deps.Echo == nil {
		deps.Echo = os.Stdout
	}
	w := &Worker{
		cfg:          cfg,
		projectRoot:  ProjectRoot(cfg.ScriptPath),
		logger:       deps.Logger.With("worker", cfg.Name),
		envset:       deps.Env,
		store:        deps.Store,
		sinks:        deps.History,
		echo:         deps.Echo,
		cmdChan:      make(chan ctrlMsg, 16),
		exits:        make(chan childExit, 64),
		probeResults: make(chan bool, 1),
		reloadDone:   make(chan error, 1),
		doneChan:     make(chan struct{}),
		state:        StateStopped,
		children:     make(map[int]*child),
		backoff:      InitialBackoff,
		logSubs:      make(map[int]func([]byte)),
	}
	if cfg.Probe != nil {
		// validated at registration; an invalid probe simply stays nil
		w.prober, _ = probe.New(*cfg.Probe)
	}
	w.updateView()
	go w.run()
	return w
}

func (w *Worker) Name() string   { return w.cfg.Name }
func (w *Worker) Config() Config { return w.cfg }

// Start transitions a terminal worker to Starting and spawns children.
func (w *Worker) Start() error { return w.send(actionStart) }

// Stop drains all children and leaves the worker Stopped. Idempotent.
func (w *Worker) Stop() error { return w.send(actionStop) }

// Restart drains children and re-spawns without backoff.
func (w *Worker) Restart() error { return w.send(actionRestart) }

// Shutdown stops the worker and terminates the mailbox goroutine.
func (w *Worker) Shutdown() error { return w.send(actionShutdown) }

func (w *Worker) send(a ctrlAction) error {
	reply := make(chan error, 1)
	select {
	case w.cmdChan <- ctrlMsg{action: a, reply: reply}:
		return <-reply
	case <-w.doneChan:
		return fmt.Errorf("worker %q: shut down", w.cfg.Name)
	}
}

// Status returns a copy of the current view.
func (w *Worker) Status() Snapshot {
	w.viewMu.RLock()
	defer w.viewMu.RUnlock()
	return w.view
}

// Stats builds the operator stats record. CPU/memory are filled in by the
// caller from a usage sample; they stay null here.
func (w *Worker) Stats() Stats {
	v := w.Status()
	st := Stats{
		Name:         v.Name,
		Status:       v.State.String(),
		PID:          v.PID,
		RestartCount: v.RestartCount,
		Mode:         w.cfg.Mode,
		Instances:    w.cfg.InstanceCount(),
		Children:     v.Children,
		LastError:    v.LastError,
	}
	if st.Mode == "" {
		st.Mode = ModeFork
	}
	if v.State == StateRunning && !v.StartedAt.IsZero() {
		st.UptimeMs = time.Since(v.StartedAt).Milliseconds()
	}
	return st
}

// SubscribeLogs attaches fn to every stdout/stderr chunk of current and
// future children. The cancel must be called on client disconnect.
func (w *Worker) SubscribeLogs(fn func([]byte)) func() {
	w.logSubMu.Lock()
	id := w.nextLogID
	w.nextLogID++
	w.logSubs[id] = fn
	w.logSubMu.Unlock()
	return func() {
		w.logSubMu.Lock()
		delete(w.logSubs, id)
		w.logSubMu.Unlock()
	}
}

func (w *Worker) broadcastLog(p []byte) {
	w.logSubMu.Lock()
	fns := make([]func([]byte), 0, len(w.logSubs))
	for _, fn := range w.logSubs {
		fns = append(fns, fn)
	}
	w.logSubMu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// run is the mailbox loop. Timer channels are re-derived each iteration so
// cleared timers simply drop out of the select.
func (w *Worker) run() {
	existTicker := time.NewTicker(time.Second)
	defer existTicker.Stop()

	for {
		var restartC, stabilityC, probeC <-chan time.Time
		if w.restartTimer != nil {
			restartC = w.restartTimer.C
		}
		if w.stabilityTimer != nil {
			stabilityC = w.stabilityTimer.C
		}
		if w.probeTicker != nil {
			probeC = w.probeTicker.C
		}
		var watchC <-chan string
		if w.watch != nil {
			watchC = w.watch.Triggers()
		}

		select {
		case msg := <-w.cmdChan:
			if w.handleCommand(msg) {
				return
			}
		case ex := <-w.exits:
			w.handleChildExit(ex)
		case <-restartC:
			w.restartTimer = nil
			w.handleBackoffFire()
		case <-stabilityC:
			w.stabilityTimer = nil
			w.handleStabilityFire()
		case <-probeC:
			w.handleProbeTick()
		case alive := <-w.probeResults:
			w.handleProbeResult(alive)
		case path := <-watchC:
			w.handleFileChange(path)
		case err := <-w.reloadDone:
			w.handleReloadDone(err)
		case <-existTicker.C:
			w.checkChildrenExist()
		}
	}
}

func (w *Worker) handleCommand(msg ctrlMsg) (terminate bool) {
	var err error
	switch msg.action {
	case actionStart:
		err = w.handleStart()
	case actionStop:
		w.handleStop()
	case actionRestart:
		err = w.handleRestart()
	case actionShutdown:
		w.handleStop()
		w.clearAllTimers()
		w.closeWatcher()
		msg.reply <- nil
		close(w.doneChan)
		return true
	}
	msg.reply <- err
	return false
}

func (w *Worker) handleStart() error {
	if !w.state.Terminal() {
		return fmt.Errorf("worker %q already active, use restart()", w.cfg.Name)
	}
	w.clearRestartTimer()
	w.clearStabilityTimer()
	w.restartCount = 0
	w.backoff = InitialBackoff
	w.probeFailures = 0
	w.lastError = ""
	return w.spawnAll()
}

func (w *Worker) handleStop() {
	switch w.state {
	case StateStopped:
		return
	case StateCrashed, StateErrored:
		w.clearRestartTimer()
		w.setState(StateStopped)
		return
	}
	w.setState(StateStopping)
	w.clearAllTimers()
	w.stopProbe()
	w.closeWatcher()
	w.drainChildren()
	w.setState(StateStopped)
	metrics.IncStop(w.cfg.Name)
	w.emitHistory(history.EventStop, "")
}

func (w *Worker) handleRestart() error {
	switch w.state {
	case StateStopped, StateErrored:
		return fmt.Errorf("worker %q is not running", w.cfg.Name)
	case StateStopping:
		return fmt.Errorf("worker %q is stopping", w.cfg.Name)
	case StateCrashed:
		w.clearRestartTimer()
	}
	return w.doRestart("operator restart")
}

// doRestart drains children and re-spawns immediately, skipping backoff.
// The dev watcher survives restarts; only stop() tears it down.
func (w *Worker) doRestart(reason string) error {
	w.isRestarting = true
	w.setState(StateStopping)
	w.clearRestartTimer()
	w.clearStabilityTimer()
	w.stopProbe()
	w.drainChildren()
	w.isRestarting = false
	metrics.IncRestart(w.cfg.Name)
	w.emitHistory(history.EventRestart, reason)
	return w.spawnAll()
}

// spawnAll launches InstanceCount children and transitions accordingly.
func (w *Worker) spawnAll() error {
	w.setState(StateStarting)
	if _, err := os.Stat(w.cfg.ScriptPath); err != nil {
		w.lastError = fmt.Sprintf("script not found: %s", w.cfg.ScriptPath)
		w.logger.Error("start failed", "error", w.lastError)
		w.setState(StateErrored)
		return nil
	}
	if w.cfg.Port > 0 {
		freePort(w.cfg.Port)
	}

	merged := w.envset.Merge(w.cfg.Env)
	merged = env.WithVar(merged, "NODE_ENV", w.cfg.DeploymentMode())
	merged = env.PrependPath(merged, ToolBinDir(w.projectRoot))

	count := w.cfg.InstanceCount()
	for i := 0; i < count; i++ {
		c, err := w.spawnChild(i, count, merged)
		if err != nil {
			w.lastError = fmt.Sprintf("spawn instance %d: %v", i, err)
			w.logger.Error("spawn failed", "instance", i, "error", err)
			continue
		}
		w.children[i] = c
		go c.monitor(w.exits)
	}

	if len(w.children) == 0 {
		w.setState(StateStopped)
		if w.lastError == "" {
			w.lastError = "no children spawned"
		}
		return fmt.Errorf("worker %q: %s", w.cfg.Name, w.lastError)
	}

	w.startTime = time.Now()
	w.setState(StateRunning)
	w.armStabilityTimer()
	w.armProbe()
	w.ensureWatcher()
	metrics.IncStart(w.cfg.Name)
	w.emitHistory(history.EventStart, "")
	return nil
}

func (w *Worker) spawnChild(idx, count int, merged []string) (*child, error) {
	cmd := w.cfg.buildChildCommand()
	cmd.Dir = w.projectRoot
	cmd.Env = merged
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil // reads from the null device

	childName := w.cfg.Name
	if count > 1 {
		childName = fmt.Sprintf("%s-%d", w.cfg.Name, idx+1)
	}
	var outSink, errSink io.WriteCloser
	if w.cfg.LogSink.Enabled() {
		if dir := w.cfg.LogSink.File.Dir; dir != "" {
			_ = os.MkdirAll(dir, 0o750)
		}
		outSink, errSink, _ = w.cfg.LogSink.ProcessWriters(childName)
	}
	var echo io.Writer
	if w.cfg.DevMode {
		echo = w.echo
	}
	outFan := newFanWriter(outSink, echo, w.cfg.Name)
	errFan := newFanWriter(errSink, echo, w.cfg.Name)
	outFan.Subscribe(w.broadcastLog)
	errFan.Subscribe(w.broadcastLog)
	cmd.Stdout = outFan
	cmd.Stderr = errFan

	if err := cmd.Start(); err != nil {
		outFan.closeQuiet()
		errFan.closeQuiet()
		return nil, err
	}
	return &child{
		idx:       idx,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		startedAt: time.Now(),
		outFan:    outFan,
		errFan:    errFan,
	}, nil
}

// handleChildExit implements the child-exit rules of the state machine.
// Exits consumed during an inline drain never reach here; an exit seen in
// Stopping is intentional.
func (w *Worker) handleChildExit(ex childExit) {
	c, ok := w.children[ex.idx]
	if !ok || c.pid != ex.pid {
		return // stale: already drained or replaced
	}
	delete(w.children, ex.idx)
	w.updateView()
	metrics.SetRunningChildren(w.cfg.Name, len(w.children))

	if w.state == StateStopping {
		return
	}
	if w.isRestarting {
		if len(w.children) == 0 {
			w.isRestarting = false
			_ = w.spawnAll()
		}
		return
	}

	if ex.code != 0 {
		detail := fmt.Sprintf("exited with code %d", ex.code)
		if ex.signal != 0 {
			detail = fmt.Sprintf("killed by signal %d", ex.signal)
		}
		if ex.uptime < FastFailWindow {
			detail = fmt.Sprintf("fast-fail: exited after %dms", ex.uptime.Milliseconds())
			w.logger.Warn("child failed almost immediately, likely a build or syntax error",
				"pid", ex.pid, "uptime_ms", ex.uptime.Milliseconds(), "code", ex.code)
		} else {
			w.logger.Warn("child crashed", "pid", ex.pid, "code", ex.code, "signal", ex.signal)
		}
		w.lastError = detail
		w.clearStabilityTimer()
		w.stopProbe()
		w.drainChildren()
		w.setState(StateCrashed)
		w.emitHistory(history.EventCrash, detail)
		w.scheduleRestart()
		return
	}

	// clean exit
	w.logger.Info("child exited cleanly", "pid", ex.pid, "uptime_ms", ex.uptime.Milliseconds())
	if len(w.children) == 0 {
		w.clearStabilityTimer()
		w.stopProbe()
		w.setState(StateStopped)
		w.emitHistory(history.EventStop, "clean exit")
	}
}

// scheduleRestart arms the single restart timer for the current backoff.
func (w *Worker) scheduleRestart() {
	w.clearRestartTimer()
	w.logger.Info("restart scheduled", "backoff_ms", w.backoff.Milliseconds(), "restarts", w.restartCount)
	w.restartTimer = time.NewTimer(w.backoff)
}

func (w *Worker) handleBackoffFire() {
	if w.state != StateCrashed {
		return
	}
	w.restartCount++
	next := w.backoff * 2
	if maxB := w.cfg.MaxBackoff(); next > maxB {
		next = maxB
	}
	w.backoff = next
	metrics.IncRestart(w.cfg.Name)
	_ = w.spawnAll()
}

func (w *Worker) handleStabilityFire() {
	if w.state != StateRunning {
		return
	}
	w.backoff = InitialBackoff
	w.restartCount = 0
	w.updateView()
	w.logger.Debug("stability window passed, backoff reset")
}

func (w *Worker) armStabilityTimer() {
	w.clearStabilityTimer()
	w.stabilityTimer = time.NewTimer(StabilityWindow)
}

func (w *Worker) armProbe() {
	if w.prober == nil {
		return
	}
	w.stopProbe()
	w.probeFailures = 0
	w.probeTicker = time.NewTicker(w.cfg.Probe.Interval())
}

func (w *Worker) stopProbe() {
	if w.probeTicker != nil {
		w.probeTicker.Stop()
		w.probeTicker = nil
	}
	w.probeFailures = 0
}

func (w *Worker) handleProbeTick() {
	if w.state != StateRunning || w.probeInFlight || w.prober == nil {
		return
	}
	w.probeInFlight = true
	prober := w.prober
	go func() {
		w.probeResults <- prober.Check(context.Background())
	}()
}

func (w *Worker) handleProbeResult(alive bool) {
	w.probeInFlight = false
	if w.state != StateRunning {
		return
	}
	if alive {
		w.probeFailures = 0
		return
	}
	w.probeFailures++
	w.logger.Warn("probe failed", "probe", w.prober.Describe(),
		"failures", w.probeFailures, "threshold", w.cfg.Probe.Threshold())
	if w.probeFailures >= w.cfg.Probe.Threshold() {
		w.probeFailures = 0
		_ = w.doRestart("probe failure threshold reached")
	}
}

func (w *Worker) ensureWatcher() {
	if !w.cfg.DevMode || w.watch != nil {
		return
	}
	watch, err := newWatcher(w.projectRoot, w.logger)
	if err != nil {
		w.logger.Error("file watcher unavailable", "root", w.projectRoot, "error", err)
		return
	}
	w.watch = watch
	w.logger.Info("watching for file changes", "root", w.projectRoot)
}

func (w *Worker) closeWatcher() {
	if w.watch != nil {
		w.watch.Close()
		w.watch = nil
	}
}

func (w *Worker) handleFileChange(path string) {
	if w.state != StateRunning || w.isBuilding {
		return
	}
	w.logger.Info("file changed", "path", path)
	if w.cfg.ReloadCommand == "" {
		_ = w.doRestart("file change: " + path)
		return
	}
	w.isBuilding = true
	cmdStr := w.cfg.ReloadCommand
	root := w.projectRoot
	environ := env.PrependPath(os.Environ(), ToolBinDir(root))
	go func() {
		// #nosec G204
		cmd := exec.Command("/bin/sh", "-c", cmdStr)
		cmd.Dir = root
		cmd.Env = environ
		w.reloadDone <- cmd.Run()
	}()
}

func (w *Worker) handleReloadDone(err error) {
	w.isBuilding = false
	if err != nil {
		w.logger.Error("reload command failed, not restarting", "error", err)
		return
	}
	if w.state == StateRunning {
		_ = w.doRestart("rebuild succeeded")
	}
}

// checkChildrenExist is the signal-0 safety net for exits whose event was
// never delivered.
func (w *Worker) checkChildrenExist() {
	if w.state != StateRunning {
		return
	}
	for _, c := range w.children {
		if !c.alive() {
			w.logger.Warn("child vanished without an exit event", "pid", c.pid)
			w.handleChildExit(childExit{
				idx:    c.idx,
				pid:    c.pid,
				uptime: time.Since(c.startedAt),
				code:   -1,
				forced: true,
			})
		}
	}
}

// drainChildren terminates every live child: SIGTERM to the process group,
// SIGKILL after killTimeout, with the whole drain bounded hard at
// StopForceBound after which remaining slots are dropped.
func (w *Worker) drainChildren() {
	if len(w.children) == 0 {
		return
	}
	for _, c := range w.children {
		c.signalGroup(syscall.SIGTERM)
	}
	killC := time.After(w.cfg.KillTimeout())
	forceC := time.After(StopForceBound)
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for len(w.children) > 0 {
		select {
		case ex := <-w.exits:
			if c, ok := w.children[ex.idx]; ok && c.pid == ex.pid {
				delete(w.children, ex.idx)
			}
		case <-killC:
			killC = nil
			for _, c := range w.children {
				c.signalGroup(syscall.SIGKILL)
			}
		case <-poll.C:
			for idx, c := range w.children {
				if !c.alive() {
					delete(w.children, idx)
				}
			}
		case <-forceC:
			w.logger.Error("stop deadline exceeded, forcing Stopped", "remaining", len(w.children))
			for idx, c := range w.children {
				c.signalGroup(syscall.SIGKILL)
				delete(w.children, idx)
			}
		}
	}
	w.updateView()
	metrics.SetRunningChildren(w.cfg.Name, 0)
}

func (w *Worker) clearRestartTimer() {
	if w.restartTimer != nil {
		w.restartTimer.Stop()
		w.restartTimer = nil
	}
}

func (w *Worker) clearStabilityTimer() {
	if w.stabilityTimer != nil {
		w.stabilityTimer.Stop()
		w.stabilityTimer = nil
	}
}

func (w *Worker) clearAllTimers() {
	w.clearRestartTimer()
	w.clearStabilityTimer()
}

func (w *Worker) setState(to State) {
	from := w.state
	if from == to {
		w.updateView()
		return
	}
	w.state = to
	w.logger.Debug("state transition", "from", from.String(), "to", to.String())
	metrics.RecordStateTransition(w.cfg.Name, from.String(), to.String())
	metrics.SetCurrentState(w.cfg.Name, from.String(), false)
	metrics.SetCurrentState(w.cfg.Name, to.String(), true)
	metrics.SetRunningChildren(w.cfg.Name, len(w.children))
	w.updateView()
}

func (w *Worker) firstPID() int {
	best := 0
	bestIdx := -1
	for idx, c := range w.children {
		if bestIdx < 0 || idx < bestIdx {
			bestIdx = idx
			best = c.pid
		}
	}
	return best
}

// updateView refreshes the read model and the process store record.
func (w *Worker) updateView() {
	snap := Snapshot{
		Name:         w.cfg.Name,
		State:        w.state,
		PID:          w.firstPID(),
		Children:     len(w.children),
		StartedAt:    w.startTime,
		RestartCount: w.restartCount,
		LastError:    w.lastError,
	}
	w.viewMu.Lock()
	w.view = snap
	w.viewMu.Unlock()

	if w.store != nil {
		w.store.Put(procstore.Record{
			Name:         snap.Name,
			Status:       snap.State.String(),
			PID:          snap.PID,
			RestartCount: snap.RestartCount,
			LastError:    snap.LastError,
		})
	}
}

func (w *Worker) emitHistory(t history.EventType, detail string) {
	if len(w.sinks) == 0 {
		return
	}
	evt := history.Event{
		Type:       t,
		Name:       w.cfg.Name,
		PID:        w.firstPID(),
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}
	sinks := w.sinks
	logger := w.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range sinks {
			if err := s.Send(ctx, evt); err != nil {
				logger.Debug("history sink send failed", "type", string(t), "error", err)
			}
		}
	}()
}
