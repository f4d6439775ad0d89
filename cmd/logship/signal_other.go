//go:build !unix

package main

import "os"

// pushSignal is unavailable without SIGUSR1
var pushSignal os.Signal
