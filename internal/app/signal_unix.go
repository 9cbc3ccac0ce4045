//go:build !windows

package app

import (
	"os"
	"os/signal"
	"syscall"
)

// statsSignal delivers SIGUSR1 so a running writer can log its rule counters.
func statsSignal() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	return ch, func() { signal.Stop(ch) }
}
