package shutdown

import (
	"os"
	"syscall"
)

// DefaultSignals are the signals that trigger a graceful shutdown.
func DefaultSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
}
