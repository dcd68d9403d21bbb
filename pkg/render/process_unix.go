//go:build unix

package render

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// processGroup terminates a worker together with everything it spawned.
// The worker leads its own group, so a browser left behind by a killed
// worker is signalled too.
type processGroup struct {
	cmd   *exec.Cmd
	grace time.Duration

	mu   sync.Mutex
	kill *time.Timer
}

func newProcessGroup(cmd *exec.Cmd, grace time.Duration) *processGroup {
	g := &processGroup{cmd: cmd, grace: grace}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	setParentDeathSignal(cmd.SysProcAttr)
	cmd.Cancel = g.terminate
	return g
}

// terminate sends SIGTERM to the group and schedules SIGKILL after grace
func (g *processGroup) terminate() error {
	pid := g.cmd.Process.Pid
	err := unix.Kill(-pid, unix.SIGTERM)

	g.mu.Lock()
	if g.kill == nil {
		g.kill = time.AfterFunc(g.grace, func() {
			unix.Kill(-pid, unix.SIGKILL)
		})
	}
	g.mu.Unlock()

	if err == unix.ESRCH {
		return nil
	}
	return err
}

// reap kills whatever is left of the group once the worker has exited
func (g *processGroup) reap() {
	g.mu.Lock()
	if g.kill != nil {
		g.kill.Stop()
	}
	g.mu.Unlock()

	if g.cmd.Process == nil {
		return
	}
	// ESRCH just means the group is already empty
	unix.Kill(-g.cmd.Process.Pid, unix.SIGKILL)
}
