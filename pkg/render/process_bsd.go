//go:build unix && !linux

package render

import "syscall"

func setParentDeathSignal(*syscall.SysProcAttr) {}
