package render

import "syscall"

// setParentDeathSignal kills the worker if the manager dies first
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
