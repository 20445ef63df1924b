//go:build unix

package shutdown

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var defaultSignals = []os.Signal{unix.SIGTERM, unix.SIGINT}

// signalName returns the conventional name ("SIGTERM") used as shutdown reason.
func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}
