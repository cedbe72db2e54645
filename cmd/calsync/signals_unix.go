//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifySyncNow relays SIGUSR1, which starts a pass for every pair.
func notifySyncNow(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGUSR1)
}
