//go:build !unix

package render

import (
	"os/exec"
	"time"
)

// processGroup falls back to killing the worker process alone
type processGroup struct {
	cmd *exec.Cmd
}

func newProcessGroup(cmd *exec.Cmd, _ time.Duration) *processGroup {
	return &processGroup{cmd: cmd}
}

func (g *processGroup) reap() {
	if g.cmd.Process != nil {
		g.cmd.Process.Kill()
	}
}
