package worker

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// child is one live OS process slot of a worker.
type child struct {
	idx       int
	pid       int
	cmd       *exec.Cmd
	startedAt time.Time
	outFan    *fanWriter
	errFan    *fanWriter
}

// childExit is delivered to the worker mailbox when a child's Wait returns.
type childExit struct {
	idx    int
	pid    int
	uptime time.Duration
	code   int  // exit code; 128+signal when signal is non-zero
	signal int  // delivering signal number, 0 when none
	forced bool // true when the exit event was synthesized by the signal-0 net
}

// monitor reaps the child and reports its exit. Runs in its own goroutine;
// the worker mailbox is the only consumer of exits.
func (c *child) monitor(exits chan<- childExit) {
	err := c.cmd.Wait()
	ex := childExit{
		idx:    c.idx,
		pid:    c.pid,
		uptime: time.Since(c.startedAt),
	}
	if err == nil {
		ex.code = 0
	} else {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					ex.signal = int(ws.Signal())
					ex.code = 128 + ex.signal
				} else {
					ex.code = ws.ExitStatus()
				}
			} else {
				ex.code = ee.ExitCode()
			}
		} else {
			// Wait failed without an exit status; treat as abnormal
			ex.code = -1
		}
	}
	c.closeFans()
	exits <- ex
}

// signalGroup delivers sig to the child's process group.
func (c *child) signalGroup(sig syscall.Signal) {
	if c.pid > 0 {
		_ = syscall.Kill(-c.pid, sig)
	}
}

// alive is the signal-0 existence safety net.
func (c *child) alive() bool {
	if c.pid <= 0 {
		return false
	}
	err := syscall.Kill(c.pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (c *child) closeFans() {
	if c.outFan != nil {
		_ = c.outFan.Close()
	}
	if c.errFan != nil {
		_ = c.errFan.Close()
	}
}
