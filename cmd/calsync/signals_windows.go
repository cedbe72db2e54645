package main

import "os"

// notifySyncNow is a no-op: there is no SIGUSR1 on Windows.
func notifySyncNow(c chan<- os.Signal) {}
