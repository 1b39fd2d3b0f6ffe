//go:build !windows

package runner

import "syscall"

var termSignal = syscall.SIGTERM
