//go:build unix

package main

import (
	"os"
	"syscall"
)

// pushSignal asks a running agent for an immediate push cycle
var pushSignal os.Signal = syscall.SIGUSR1
