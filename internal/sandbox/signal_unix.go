//go:build !windows

package sandbox

import "syscall"

var termSignal = syscall.SIGTERM
